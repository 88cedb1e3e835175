package main

import "github.com/creatorhub/membership-billing/cmd"

func main() {
	cmd.Execute()
}
