// Command machpayctl is the operator CLI for a running settlement engine.
//
// Usage:
//
//	machpayctl [-addr host:port] agent <agent_id>
//	machpayctl [-addr host:port] bond <agent_id> <amount>
//	machpayctl [-addr host:port] payouts <agent_id>
//	machpayctl [-addr host:port] stalled
//	machpayctl [-addr host:port] health
//	machpayctl [-addr host:port] watch [event_type]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "engine ops address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	base := "http://" + *addr
	var err error

	switch args[0] {
	case "agent":
		requireArgs(args, 2)
		err = getJSON(base + "/api/v1/agents/" + args[1])
	case "bond":
		requireArgs(args, 3)
		amount, perr := strconv.ParseUint(args[2], 10, 64)
		if perr != nil {
			fail("invalid amount %q", args[2])
		}
		err = postBond(base, args[1], amount)
	case "payouts":
		requireArgs(args, 2)
		err = getJSON(base + "/api/v1/agents/" + args[1] + "/payouts")
	case "stalled":
		err = getJSON(base + "/api/v1/batches/stalled")
	case "health":
		err = getJSON(base + "/healthz")
	case "watch":
		eventType := ""
		if len(args) > 1 {
			eventType = args[1]
		}
		err = watch(*addr, eventType)
	default:
		usage()
	}

	if err != nil {
		fail("%v", err)
	}
}

func getJSON(url string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func postBond(base, agentID string, amount uint64) error {
	payload, _ := json.Marshal(map[string]uint64{"amount": amount})
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(base+"/api/v1/agents/"+agentID+"/bond", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		fmt.Printf("✅ Bond for %s set to %d\n", agentID, amount)
	}
	return printBody(resp)
}

// watch streams engine events until interrupted.
func watch(addr, eventType string) error {
	url := "ws://" + addr + "/events/ws"
	if eventType != "" {
		url += "?types=" + eventType
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()
	fmt.Printf("📡 Watching events from %s (ctrl-c to stop)\n", addr)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		os.Exit(0)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var pretty bytes.Buffer
		if json.Indent(&pretty, msg, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(msg))
		}
	}
}

func printBody(resp *http.Response) error {
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `machpayctl: settlement engine operator CLI

Commands:
  agent <agent_id>          show agent flags, bond and exposure
  bond <agent_id> <amount>  reset an agent's bonded collateral
  payouts <agent_id>        list recovery payouts involving the agent
  stalled                   list batches parked after retry exhaustion
  health                    engine health
  watch [event_type]        stream engine events`)
	os.Exit(2)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "❌ "+format+"\n", args...)
	os.Exit(1)
}
