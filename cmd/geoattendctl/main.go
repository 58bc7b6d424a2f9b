package main

import "geoattend/internal/cli"

func main() {
	cli.Execute()
}
