package main

import "aaronromeo.com/mailwatch/internal/cli"

func main() {
	cli.Execute()
}
