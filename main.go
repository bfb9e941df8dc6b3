package main

import "github.com/asesmen-labs/ms-go-billing/cmd"

func main() {
	cmd.Execute()
}
