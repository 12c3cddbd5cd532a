//go:build ignore

// inventory is an example ctxflow extension: it serves the "reserve" and
// "release" components over JSON-RPC 2.0 on stdio.
//
//	go build -o inventory testdata/extensions/inventory.go
//	ctxflow run order.yaml --extension ./inventory
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   any    `json:"error,omitempty"`
}

type executeParams struct {
	Step    string         `json:"step"`
	Args    map[string]any `json:"args"`
	Context map[string]any `json:"context"`
}

var stock = map[string]float64{"apple": 3, "pear": 0}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		resp := response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]any{"components": []string{"reserve", "release"}}
		case "execute":
			var p executeParams
			if err := json.Unmarshal(req.Params, &p); err != nil {
				resp.Error = map[string]any{"code": -32602, "message": err.Error()}
				break
			}
			resp.Result = execute(p)
		case "shutdown":
			resp.Result = map[string]any{}
			out.Encode(resp)
			return
		default:
			resp.Error = map[string]any{
				"code":    -32601,
				"message": fmt.Sprintf("method not found: %s", req.Method),
			}
		}
		out.Encode(resp)
	}
}

func execute(p executeParams) map[string]any {
	item, _ := p.Args["item"].(string)
	qty, _ := p.Args["qty"].(float64)
	switch p.Step {
	case "reserve":
		if stock[item] < qty {
			return map[string]any{
				"set":   map[string]any{"reserved": false},
				"error": fmt.Sprintf("not enough %s in stock", item),
			}
		}
		stock[item] -= qty
		return map[string]any{"set": map[string]any{"reserved": true, "left": stock[item]}}
	case "release":
		stock[item] += qty
		return map[string]any{"set": map[string]any{"reserved": false, "left": stock[item]}}
	}
	return map[string]any{"error": "unknown step " + p.Step}
}
