package main

import "github.com/andresmejia3/vigil/cmd"

func main() {
	cmd.Execute()
}
