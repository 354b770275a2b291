package main

import (
	"fmt"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exit("serve", runServe(os.Args[1:]))
		return
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
	case "serve":
		exit(cmd, runServe(args))
	case "route":
		exit(cmd, runRoute(args))
	case "exec":
		exit(cmd, runExec(args))
	case "agents":
		exit(cmd, runAgents(args))
	case "version":
		fmt.Println("agentd", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentd --help' for usage information.\n", cmd)
		os.Exit(2)
	}
}

func exit(cmd string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentd - agent dispatch and tool execution service

USAGE:
    agentd [COMMAND] [FLAGS]

COMMANDS:
    serve               Run the gateway (default)
    route "<task>"      Show which agent would handle a task
    exec "<task>"       Run a task and stream its events
    agents              List registered agents
    version             Print the version

SERVE FLAGS:
    --config PATH       Config file (default: ./agentd.yaml)

CLIENT FLAGS (route, exec, agents):
    --addr URL          Gateway URL (default: $AGENTD_URL or http://127.0.0.1:7420)
    --token TOKEN       Bearer token (default: $AGENTD_TOKEN)
    --mode MODE         route: auto, explicit, capability, load-balance
    --agent ID          Pin the agent
    --caps a,b          Required capabilities
    --wait DURATION     exec: give up waiting after DURATION (default 5m)
    --poll DURATION     exec: snapshot poll interval (default 2s)
    --json              Print raw JSON

CONFIGURATION:
    Environment: AGENTD_* variables override the config file; a .env file
    next to the config is loaded first.`)
}
