package main

import "github.com/dhcgn/imap-export/cmd"

func main() {
	cmd.Execute()
}
