// wimmsctl is the operator CLI for the node-assignment daemon. Every
// subcommand is a thin wrapper around one wimmsd endpoint.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

const cliAuthHeader = "X-API-Token"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "add-service":
		addService(os.Args[2:])
	case "patterns":
		patterns(os.Args[2:])
	case "add-node":
		addNode(os.Args[2:])
	case "list-nodes":
		listNodes(os.Args[2:])
	case "update-node":
		updateNode(os.Args[2:])
	case "decommission":
		decommission(os.Args[2:])
	case "create-user":
		createUser(os.Args[2:])
	case "get-user":
		getUser(os.Args[2:])
	case "update-user":
		updateUser(os.Args[2:])
	case "retire-user":
		retireUser(os.Args[2:])
	case "purge-user":
		purgeUser(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`wimmsctl <command> [flags]

commands:
  add-service   --service S --pattern P
  patterns
  add-node      --service S --node N --capacity C [--available A]
  list-nodes    --service S
  update-node   --service S --node N [--available A] [--capacity C] [--current-load L] [--downed] [--backoff]
  decommission  --service S --node N [--emails a@x,b@y]
  create-user   --service S --email E [--generation G] [--client-state CS]
  get-user      --service S --email E
  update-user   --service S --email E [--generation G] [--client-state CS]
  retire-user   --service S --email E
  purge-user    --service S --email E

common flags: --url (WIMMS_URL, default http://localhost:8080), --token (WIMMS_API_TOKEN)`)
}

type cliFlags struct {
	fs    *pflag.FlagSet
	url   *string
	token *string
}

func newFlags(name string) cliFlags {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	return cliFlags{
		fs:    fs,
		url:   fs.String("url", getenvCLI("WIMMS_URL", "http://localhost:8080"), "daemon url"),
		token: fs.String("token", getenvCLI("WIMMS_API_TOKEN", ""), "api token"),
	}
}

func getenvCLI(name, fallback string) string {
	if v := os.Getenv(name); strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func addService(args []string) {
	f := newFlags("add-service")
	service := f.fs.String("service", "", "service name, {app}-{version}")
	pattern := f.fs.String("pattern", "", "endpoint pattern, e.g. {node}/1.0/{uid}")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("pattern", *pattern)

	call(f, http.MethodPost, "/services", map[string]string{
		"service": *service,
		"pattern": *pattern,
	}, http.StatusCreated)
}

func patterns(args []string) {
	f := newFlags("patterns")
	f.fs.Parse(args)
	call(f, http.MethodGet, "/services", nil, http.StatusOK)
}

func addNode(args []string) {
	f := newFlags("add-node")
	service := f.fs.String("service", "", "service name")
	node := f.fs.String("node", "", "node address")
	capacity := f.fs.Int("capacity", 0, "total capacity")
	available := f.fs.Int("available", -1, "available slots, defaults to capacity")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("node", *node)

	body := map[string]any{
		"service":  *service,
		"node":     *node,
		"capacity": *capacity,
	}
	if *available >= 0 {
		body["available"] = *available
	}
	call(f, http.MethodPost, "/nodes", body, http.StatusCreated)
}

func listNodes(args []string) {
	f := newFlags("list-nodes")
	service := f.fs.String("service", "", "service name")
	f.fs.Parse(args)
	requireFlag("service", *service)

	call(f, http.MethodGet, "/nodes?service="+url.QueryEscape(*service), nil, http.StatusOK)
}

func updateNode(args []string) {
	f := newFlags("update-node")
	service := f.fs.String("service", "", "service name")
	node := f.fs.String("node", "", "node address")
	available := f.fs.Int("available", -1, "available slots")
	capacity := f.fs.Int("capacity", -1, "total capacity")
	currentLoad := f.fs.Int("current-load", -1, "current load")
	downed := f.fs.Bool("downed", false, "mark node down")
	backoff := f.fs.Bool("backoff", false, "mark node backing off")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("node", *node)

	body := map[string]any{"service": *service, "node": *node}
	if *available >= 0 {
		body["available"] = *available
	}
	if *capacity >= 0 {
		body["capacity"] = *capacity
	}
	if *currentLoad >= 0 {
		body["current_load"] = *currentLoad
	}
	if f.fs.Changed("downed") {
		body["downed"] = *downed
	}
	if f.fs.Changed("backoff") {
		body["backoff"] = *backoff
	}
	call(f, http.MethodPost, "/nodes/update", body, http.StatusOK)
}

func decommission(args []string) {
	f := newFlags("decommission")
	service := f.fs.String("service", "", "service name")
	node := f.fs.String("node", "", "node address")
	emails := f.fs.String("emails", "", "comma separated emails, empty for all users on the node")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("node", *node)

	body := map[string]any{"service": *service, "node": *node}
	if list := splitCSV(*emails); len(list) > 0 {
		body["emails"] = list
	}
	call(f, http.MethodPost, "/nodes/decommission", body, http.StatusOK)
}

func createUser(args []string) {
	f := newFlags("create-user")
	service := f.fs.String("service", "", "service name")
	email := f.fs.String("email", "", "user email")
	generation := f.fs.Int64("generation", 0, "initial generation")
	clientState := f.fs.String("client-state", "", "initial client state")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("email", *email)

	call(f, http.MethodPost, "/users", map[string]any{
		"service":      *service,
		"email":        *email,
		"generation":   *generation,
		"client_state": *clientState,
	}, http.StatusCreated)
}

func getUser(args []string) {
	f := newFlags("get-user")
	service := f.fs.String("service", "", "service name")
	email := f.fs.String("email", "", "user email")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("email", *email)

	path := fmt.Sprintf("/user?service=%s&email=%s", url.QueryEscape(*service), url.QueryEscape(*email))
	call(f, http.MethodGet, path, nil, http.StatusOK)
}

func updateUser(args []string) {
	f := newFlags("update-user")
	service := f.fs.String("service", "", "service name")
	email := f.fs.String("email", "", "user email")
	generation := f.fs.Int64("generation", 0, "new generation")
	clientState := f.fs.String("client-state", "", "new client state")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("email", *email)

	body := map[string]any{"service": *service, "email": *email}
	if f.fs.Changed("generation") {
		body["generation"] = *generation
	}
	if f.fs.Changed("client-state") {
		body["client_state"] = *clientState
	}
	call(f, http.MethodPost, "/users/update", body, http.StatusOK)
}

func retireUser(args []string) {
	f := newFlags("retire-user")
	service := f.fs.String("service", "", "service name")
	email := f.fs.String("email", "", "user email")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("email", *email)

	call(f, http.MethodPost, "/users/retire", map[string]string{
		"service": *service,
		"email":   *email,
	}, http.StatusOK)
}

func purgeUser(args []string) {
	f := newFlags("purge-user")
	service := f.fs.String("service", "", "service name")
	email := f.fs.String("email", "", "user email")
	f.fs.Parse(args)
	requireFlag("service", *service)
	requireFlag("email", *email)

	call(f, http.MethodPost, "/users/purge", map[string]string{
		"service": *service,
		"email":   *email,
	}, http.StatusOK)
}

func call(f cliFlags, method, path string, body any, wantStatus int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("marshal payload: %v", err)
		}
	}
	endpoint := strings.TrimRight(*f.url, "/") + path
	req, err := http.NewRequest(method, endpoint, &buf)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(*f.token) != "" {
		req.Header.Set(cliAuthHeader, *f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != wantStatus {
		log.Fatalf("status=%s body=%s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(raw), "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(raw)))
		return
	}
	fmt.Println(pretty.String())
}

func requireFlag(name, value string) {
	if strings.TrimSpace(value) == "" {
		log.Fatalf("--%s is required", name)
	}
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
