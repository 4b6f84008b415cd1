// Command dbsdk links Dropbox accounts and works with their files from the
// command line.
package main

import "github.com/dvcrn/dropbox-sdk/internal/cli"

func main() {
	cli.Execute()
}
