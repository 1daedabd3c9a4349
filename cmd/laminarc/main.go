package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// laminarc is the command line client. It speaks JSON to laminard's RPC
// listener over TCP, unix, or abstract-unix sockets.

func usage() {
	fmt.Fprintf(os.Stderr, `usage: laminarc [-rpc ADDR] COMMAND [ARGS]

commands:
  queue JOB [K=V...]     queue a job and return immediately
  start JOB [K=V...]     queue a job and wait until it starts
  run JOB [K=V...]       queue a job and wait for the result
  set JOB NUM K V        set a parameter of an active run
  abort JOB NUM          abort an active run
  show-jobs              list known jobs
  show-queue             list queued runs
  show-running           list active runs
`)
	os.Exit(2)
}

func main() {
	rpcDefault := os.Getenv("LAMINAR_BIND_RPC")
	if rpcDefault == "" {
		rpcDefault = "unix-abstract:laminar"
	}
	rpcAddr := flag.String("rpc", rpcDefault, "laminard RPC address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cli := newClient(*rpcAddr)
	var err error
	switch args[0] {
	case "queue", "start", "run":
		if len(args) < 2 {
			usage()
		}
		err = cli.trigger(args[0], args[1], parseParams(args[2:]))
	case "set":
		if len(args) != 5 {
			usage()
		}
		err = cli.set(args[1], args[2], args[3], args[4])
	case "abort":
		if len(args) != 3 {
			usage()
		}
		err = cli.abort(args[1], args[2])
	case "show-jobs":
		err = cli.show("/jobs")
	case "show-queue":
		err = cli.show("/queue")
	case "show-running":
		err = cli.show("/running")
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminarc: %v\n", err)
		os.Exit(1)
	}
}

func parseParams(args []string) map[string]string {
	params := make(map[string]string)
	for _, arg := range args {
		if eq := strings.IndexByte(arg, '='); eq > 0 {
			params[arg[:eq]] = arg[eq+1:]
		}
	}
	return params
}

type client struct {
	http *http.Client
}

func newClient(bind string) *client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialBind(ctx, bind)
		},
	}
	return &client{http: &http.Client{Transport: transport}}
}

func dialBind(ctx context.Context, bind string) (net.Conn, error) {
	var d net.Dialer
	switch {
	case strings.HasPrefix(bind, "unix-abstract:"):
		return d.DialContext(ctx, "unix", "\x00"+strings.TrimPrefix(bind, "unix-abstract:"))
	case strings.HasPrefix(bind, "unix:"):
		return d.DialContext(ctx, "unix", strings.TrimPrefix(bind, "unix:"))
	case strings.HasPrefix(bind, "*:"):
		return d.DialContext(ctx, "tcp", "127.0.0.1"+strings.TrimPrefix(bind, "*"))
	default:
		return d.DialContext(ctx, "tcp", bind)
	}
}

func (c *client) post(path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post("http://laminar"+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *client) trigger(verb, job string, params map[string]string) error {
	var out map[string]any
	if err := c.post("/"+verb, map[string]any{"job": job, "params": params}, &out); err != nil {
		return err
	}
	switch verb {
	case "queue":
		fmt.Println(job)
	case "start":
		fmt.Printf("%s #%v\n", job, out["number"])
	case "run":
		fmt.Printf("%s #%v: %v\n", job, out["number"], out["result"])
		if out["result"] != "success" {
			os.Exit(1)
		}
	}
	return nil
}

func (c *client) set(job, num, key, value string) error {
	n, err := strconv.Atoi(num)
	if err != nil {
		return fmt.Errorf("bad build number %q", num)
	}
	return c.post("/set", map[string]any{
		"job": job, "number": n, "param": key, "value": value,
	}, nil)
}

func (c *client) abort(job, num string) error {
	n, err := strconv.Atoi(num)
	if err != nil {
		return fmt.Errorf("bad build number %q", num)
	}
	return c.post("/abort", map[string]any{"job": job, "number": n}, nil)
}

func (c *client) show(path string) error {
	resp, err := c.http.Get("http://laminar" + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
