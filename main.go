// Package main is responsible for the connections-script CLI.
package main

import "github.com/kareemkamal10/connections-script/internal/cmd"

func main() {
	cmd.Main()
}
