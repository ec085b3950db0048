package main

import "github.com/jmehdipour/expense-outbox/cmd"

func main() {
	cmd.Execute()
}
