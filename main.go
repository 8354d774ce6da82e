// Package main is the entry point of the scheduled template delivery service
package main

import "github.com/Nurenaissance/fastapinewone/cmd"

func main() {
	cmd.Execute()
}
