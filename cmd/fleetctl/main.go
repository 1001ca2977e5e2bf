// Command fleetctl is the operator CLI for agentfleetd's admin HTTP
// surface: list the registered agents, inspect and tear down VMs, and
// purge any stray Firecracker processes left behind by a crashed daemon.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	destroyCmd := flag.NewFlagSet("destroy", flag.ExitOnError)
	agentsCmd := flag.NewFlagSet("agents", flag.ExitOnError)
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)

	addr := os.Getenv("FLEETCTL_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	token := os.Getenv("FLEETCTL_TOKEN")

	destroyVMID := destroyCmd.String("vm", "", "VM id to destroy (required)")
	getVMID := getCmd.String("vm", "", "VM id to inspect (required)")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &client{addr: addr, token: token}

	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		var vms []vmView
		if err := c.getJSON("/vms", &vms); err != nil {
			fail(err)
		}
		if len(vms) == 0 {
			fmt.Println("No VMs running")
			return
		}
		for _, v := range vms {
			printJSON(v)
		}

	case "get":
		getCmd.Parse(os.Args[2:])
		if *getVMID == "" {
			fmt.Println("Error: -vm is required")
			getCmd.PrintDefaults()
			os.Exit(1)
		}
		var vms []vmView
		if err := c.getJSON("/vms", &vms); err != nil {
			fail(err)
		}
		for _, v := range vms {
			if v.ID == *getVMID {
				printJSON(v)
				return
			}
		}
		fmt.Printf("VM %s not found\n", *getVMID)
		os.Exit(1)

	case "destroy":
		destroyCmd.Parse(os.Args[2:])
		if *destroyVMID == "" {
			fmt.Println("Error: -vm is required")
			destroyCmd.PrintDefaults()
			os.Exit(1)
		}
		if err := c.delete("/vms/" + *destroyVMID); err != nil {
			fail(err)
		}
		fmt.Printf("VM %s destroyed\n", *destroyVMID)

	case "agents":
		agentsCmd.Parse(os.Args[2:])
		var agents []agentView
		if err := c.getJSON("/agents", &agents); err != nil {
			fail(err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered")
			return
		}
		for _, a := range agents {
			printJSON(a)
		}

	case "cleanup":
		cleanupCmd.Parse(os.Args[2:])
		if err := c.post("/cleanup"); err != nil {
			fail(err)
		}
		fmt.Println("stray firecracker processes purged")

	case "health":
		var h map[string]any
		if err := c.getJSON("/health", &h); err != nil {
			fail(err)
		}
		printJSON(h)

	default:
		printUsage()
		os.Exit(1)
	}
}

type vmView struct {
	ID        string    `json:"id"`
	CID       uint32    `json:"cid"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type agentView struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type client struct {
	addr  string
	token string
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.addr+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, readBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.addr+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, readBody(resp.Body))
	}
	return nil
}

func (c *client) post(path string) error {
	req, err := http.NewRequest(http.MethodPost, c.addr+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, readBody(resp.Body))
	}
	return nil
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return string(b)
}

func fail(err error) {
	fmt.Printf("Error: %v\n", err)
	os.Exit(1)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func printUsage() {
	fmt.Println(`fleetctl - agentfleet operator CLI

Usage:
  fleetctl <command> [flags]

Commands:
  list              List all running VMs
  get -vm=<id>       Get details of one VM
  destroy -vm=<id>   Destroy a VM
  agents            List registered MCP agents
  health            Query daemon health
  cleanup           Purge stray firecracker processes on the agentfleetd host

Environment Variables:
  FLEETCTL_ADDR   Admin API base URL (default: http://localhost:8080)
  FLEETCTL_TOKEN  Bearer token for the admin API

Examples:
  fleetctl list
  fleetctl get -vm=vm-abc123
  fleetctl destroy -vm=vm-abc123
  fleetctl agents`)
}
