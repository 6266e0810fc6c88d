package main

import "github.com/MeKo-Tech/mvtimagery/internal/cmd"

func main() {
	cmd.Execute()
}
