package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("HTMS_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	adminKey := os.Getenv("HTMS_ADMIN_KEY")

	switch os.Args[1] {
	case "reader":
		cmdReader(baseURL, adminKey)
	case "vdf":
		cmdVdf(baseURL, adminKey)
	case "anchors":
		cmdAnchors(baseURL, adminKey)
	case "status":
		cmdStatus(baseURL)
	case "version":
		fmt.Printf("htms-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`HTMS Operator CLI v` + version + `

Usage: htms-cli <command> [subcommand] [flags]

Commands:
  reader    register | rotate | reset | quarantine a toll reader
  vdf       verify | reseed the VDF hash chain
  anchors   List pending anchors, retry a failed one
  status    Print backend system status
  version   Print version
  help      Show this help

Environment:
  HTMS_API_URL      Backend URL (default: http://localhost:8080)
  HTMS_ADMIN_KEY    Admin API key (required for mutating commands)

Examples:
  htms-cli reader register --id plaza-7-lane-2
  htms-cli reader reset --id plaza-7-lane-2 --score 80
  htms-cli vdf verify
  htms-cli anchors retry --id 42`)
}

// ----------------------------------------------------------------
// reader command
// ----------------------------------------------------------------

func cmdReader(baseURL, adminKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: htms-cli reader <register|rotate|reset|quarantine> --id <reader_id>")
		os.Exit(1)
	}

	var readerID, reason string
	score := 0
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i < len(args) {
				readerID = args[i]
			}
		case "--score":
			i++
			if i < len(args) {
				score, _ = strconv.Atoi(args[i])
			}
		case "--reason":
			i++
			if i < len(args) {
				reason = args[i]
			}
		}
	}
	if readerID == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "register":
		postJSON(baseURL+"/admin/reader/register", adminKey, map[string]interface{}{"reader_id": readerID})
	case "rotate":
		postJSON(baseURL+"/admin/reader/rotate", adminKey, map[string]interface{}{"reader_id": readerID})
	case "reset":
		postJSON(baseURL+"/admin/reader/trust/reset", adminKey, map[string]interface{}{"reader_id": readerID, "score": score})
	case "quarantine":
		postJSON(baseURL+"/admin/reader/force_quarantine", adminKey, map[string]interface{}{"reader_id": readerID, "reason": reason})
	default:
		fmt.Fprintf(os.Stderr, "Unknown reader subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// vdf command
// ----------------------------------------------------------------

func cmdVdf(baseURL, adminKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: htms-cli vdf <verify|reseed> [--event <id>] [--seed <seed>]")
		os.Exit(1)
	}

	var eventID, seed string
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--event":
			i++
			if i < len(args) {
				eventID = args[i]
			}
		case "--seed":
			i++
			if i < len(args) {
				seed = args[i]
			}
		}
	}

	switch os.Args[2] {
	case "verify":
		body := map[string]interface{}{}
		if eventID != "" {
			body["event_id"] = eventID
		}
		postJSON(baseURL+"/admin/vdf/verify", adminKey, body)
	case "reseed":
		if seed == "" {
			fmt.Fprintln(os.Stderr, "--seed is required")
			os.Exit(1)
		}
		postJSON(baseURL+"/admin/vdf/reseed", adminKey, map[string]interface{}{"seed": seed})
	default:
		fmt.Fprintf(os.Stderr, "Unknown vdf subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// anchors command
// ----------------------------------------------------------------

func cmdAnchors(baseURL, adminKey string) {
	sub := "pending"
	if len(os.Args) >= 3 {
		sub = os.Args[2]
	}

	switch sub {
	case "pending":
		getJSON(baseURL+"/admin/anchor/pending", adminKey)
	case "retry":
		var anchorID int64
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			if args[i] == "--id" {
				i++
				if i < len(args) {
					anchorID, _ = strconv.ParseInt(args[i], 10, 64)
				}
			}
		}
		if anchorID == 0 {
			fmt.Fprintln(os.Stderr, "--id is required")
			os.Exit(1)
		}
		postJSON(baseURL+"/admin/anchor/retry", adminKey, map[string]interface{}{"anchor_id": anchorID})
	default:
		fmt.Fprintf(os.Stderr, "Unknown anchors subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(baseURL string) {
	getJSON(baseURL+"/system/status", "")
}

// ----------------------------------------------------------------
// HTTP helpers
// ----------------------------------------------------------------

func postJSON(url, adminKey string, body map[string]interface{}) {
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", url, bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-API-Key", adminKey)
	}
	doRequest(req)
}

func getJSON(url, adminKey string) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if adminKey != "" {
		req.Header.Set("X-API-Key", adminKey)
	}
	doRequest(req)
}

func doRequest(req *http.Request) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
