package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tg-mesh/ctrl/pkg/api"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit an upgrade request or configuration override to a running controller",
	Long: `Apply a YAML resource document against a running meshctrld instance.

Examples:
  # Submit an upgrade request
  meshctrld apply -f upgrade.yaml --controller 127.0.0.1:7946

  # Push a network-wide golden configuration override
  meshctrld apply -f network-config.yaml --controller 127.0.0.1:7946`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML resource file to apply (required)")
	applyCmd.Flags().String("controller", "127.0.0.1:7946", "Controller broker address")
	applyCmd.Flags().Duration("timeout", 10*time.Second, "Time to wait for the controller's response")
	_ = applyCmd.MarkFlagRequired("file")
}

// resourceDoc is the generic envelope every apply document shares,
// grounded on the teacher's apiVersion/kind/metadata/spec shape.
type resourceDoc struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   struct{ Name string }  `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")
	controllerAddr, _ := cmd.Flags().GetString("controller")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	var doc resourceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	op, body, err := buildRequest(doc)
	if err != nil {
		return err
	}

	resp, err := submit(controllerAddr, op, body, timeout)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("controller rejected request: %s", resp.Error)
	}
	fmt.Printf("✓ applied %s %q\n", doc.Kind, doc.Metadata.Name)
	if len(resp.Body) > 0 {
		fmt.Println(string(resp.Body))
	}
	return nil
}

func buildRequest(doc resourceDoc) (api.Op, interface{}, error) {
	switch doc.Kind {
	case "UpgradeRequest":
		var ureq types.UpgradeRequest
		raw, err := yaml.Marshal(doc.Spec)
		if err != nil {
			return "", nil, err
		}
		if err := yaml.Unmarshal(raw, &ureq); err != nil {
			return "", nil, fmt.Errorf("decode UpgradeRequest spec: %w", err)
		}
		if ureq.ID == "" {
			ureq.ID = doc.Metadata.Name
		}
		return api.OpUpgradeSubmit, ureq, nil

	case "NetworkConfig":
		return api.OpConfigSetNetwork, types.ConfigDocument(doc.Spec), nil

	case "NodeConfig":
		return api.OpConfigSetUserNode, struct {
			NodeName string
			Doc      types.ConfigDocument
		}{NodeName: doc.Metadata.Name, Doc: types.ConfigDocument(doc.Spec)}, nil

	default:
		return "", nil, fmt.Errorf("unsupported resource kind: %s", doc.Kind)
	}
}

// submit dials the controller's user/API channel, sends one request, and
// waits for the matching response by RequestID. The connection is closed
// once the exchange completes — this is a one-shot CLI client, not a
// long-lived session.
func submit(addr string, op api.Op, body interface{}, timeout time.Duration) (api.Response, error) {
	clientID := "cli-" + uuid.NewString()
	raw, err := json.Marshal(body)
	if err != nil {
		return api.Response{}, err
	}

	reqID := uuid.NewString()
	b := broker.New(nil)
	replies := make(chan api.Response, 1)
	b.OnReceive(broker.MsgAPIResponse, func(_, _ string, env *broker.Envelope) {
		var resp api.Response
		if err := broker.DecodePayload(env, &resp); err != nil || resp.RequestID != reqID {
			return
		}
		replies <- resp
	})

	t := broker.NewTransport(b)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.Dial(ctx, addr, "controller", nil, broker.ChannelUser); err != nil {
		return api.Response{}, fmt.Errorf("connect to %s: %w", addr, err)
	}

	req := api.Request{RequestID: reqID, Op: op, Body: raw}
	env := &broker.Envelope{Type: broker.MsgAPIRequest, Channel: broker.ChannelUser, SenderID: clientID}
	if err := broker.EncodePayload(env, req); err != nil {
		return api.Response{}, err
	}
	if !b.Send("controller", env) {
		return api.Response{}, fmt.Errorf("send to %s failed: not connected", addr)
	}

	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		return api.Response{}, fmt.Errorf("timed out waiting for response from %s", addr)
	}
}
