package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http/httptest"

	"github.com/BTreeMap/DialPilot/internal/flow"
	"github.com/BTreeMap/DialPilot/internal/ivrsim"
	"github.com/BTreeMap/DialPilot/internal/twilioivr"
)

func main() {
	// Serve the built-in pharmacy simulator on a loopback port
	sim := httptest.NewServer(ivrsim.New())
	defer sim.Close()

	// Create a webhook client for the simulated endpoint
	client, err := twilioivr.NewClient(twilioivr.WithEndpoint(sim.URL + "/voice"))
	if err != nil {
		log.Fatalf("Failed to create endpoint client: %v", err)
	}

	// Place one scripted refill-status call (no storage, just for demonstration)
	driver := flow.NewDriver(client, flow.NewDispatcher(client), flow.WithEndpoint(client.Endpoint()))
	report, _, err := driver.RunReport(context.Background())
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	fmt.Println(string(out))
	fmt.Println(flow.Diagram(report))
}
