package main

import "github.com/andresmejia3/detect/cmd"

func main() {
	cmd.Execute()
}
