// panorama-agent drives Claude Code sessions from the terminal: it creates
// sessions, chats with the agent, answers permission prompts and runs
// one-shot shell commands.
package main

import (
	"os"
)

func main() {
	os.Exit(execute())
}
