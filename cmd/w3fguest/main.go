// w3fguest is the guest agent that runs inside the sandbox (thread or
// container). It loads a script, serves the single protocol exchange, and
// exits with a code describing what happened (§7 of the spec this module
// implements).
//
// Build: CGO_ENABLED=0 go build -o w3fguest ./cmd/w3fguest
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/xfeldman/web3runner/internal/guest"
	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/protocol"
	"github.com/xfeldman/web3runner/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		log.Fatal("usage: w3fguest <script-path>")
	}
	if os.Args[1] == "--version" {
		log.Printf("w3fguest %s", version.Version())
		os.Exit(0)
	}
	scriptPath := os.Args[1]

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		log.Fatalf("read script: %v", err)
	}

	port, err := strconv.Atoi(os.Getenv("WEB3_FUNCTION_SERVER_PORT"))
	if err != nil {
		log.Fatalf("invalid WEB3_FUNCTION_SERVER_PORT: %v", err)
	}
	mountPath := os.Getenv("WEB3_FUNCTION_MOUNT_PATH")
	version := model.Version(os.Getenv("WEB3_FUNCTION_VERSION"))
	if version == "" {
		version = model.V2
	}
	proxyURL := os.Getenv("WEB3_FUNCTION_HTTP_PROXY")
	rpcPort := os.Getenv("WEB3_FUNCTION_RPC_PROXY_PORT")
	rpcURL := ""
	if rpcPort != "" {
		rpcURL = "http://127.0.0.1:" + rpcPort + "/"
	}

	agent := guest.NewAgent(string(script), version, proxyURL, rpcURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	srv := protocol.NewServer(port, mountPath, false, agent.Handle)
	if err := srv.Serve(ctx); err != nil {
		log.Printf("guest server: %v", err)
	}

	// Give the HTTP response time to flush to the supervisor before the
	// process exits out from under the connection.
	time.Sleep(50 * time.Millisecond)

	if agent.QuotaBreached() {
		os.Exit(guest.QuotaBreachExitCode)
	}
	os.Exit(0)
}
