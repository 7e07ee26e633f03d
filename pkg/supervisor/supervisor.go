// Package supervisor implements SupervisorClient, a thin façade over the
// external process supervisor's XML-RPC API.
package supervisor

import (
	"fmt"

	"github.com/kolo/xmlrpc"

	"github.com/poolwarden/poolwarden/pkg/types"
)

// ProcessInfo is the subset of the supervisor's getProcessInfo reply this
// client cares about.
type ProcessInfo struct {
	State int    `xmlrpc:"state"`
	Start int64  `xmlrpc:"start"`
	Now   int64  `xmlrpc:"now"`
	Name  string `xmlrpc:"name"`
}

// Client talks to one supervisor RPC endpoint on behalf of every node it
// manages. A single Client is shared across all NodeMonitors, matching the
// external supervisor's single listen address per host.
type Client struct {
	rpc *xmlrpc.Client
}

// NewClient dials the supervisor's XML-RPC endpoint.
func NewClient(rpcURL string) (*Client, error) {
	rpc, err := xmlrpc.NewClient(rpcURL, nil)
	if err != nil {
		return nil, &types.SupervisorError{Op: "dial", Err: err}
	}
	return &Client{rpc: rpc}, nil
}

// Close releases the underlying RPC transport.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// stateFromCode maps the supervisor's opaque process-state codes to a
// domain NodeState. 0/40 -> STOPPED, 10 -> BOOTSTRAPPING, 20 -> STARTED,
// anything else -> UNKNOWN.
func stateFromCode(code int) types.NodeState {
	switch code {
	case 0, 40:
		return types.NodeStopped
	case 10:
		return types.NodeBootstrapping
	case 20:
		return types.NodeStarted
	default:
		return types.NodeUnknown
	}
}

// GetInfo returns the supervisor's process info for service, translated
// into the domain's NodeState.
func (c *Client) GetInfo(service string) (state types.NodeState, startEpoch, nowEpoch int64, err error) {
	var info ProcessInfo
	if err := c.rpc.Call("supervisor.getProcessInfo", service, &info); err != nil {
		return types.NodeUnknown, 0, 0, &types.SupervisorError{Op: fmt.Sprintf("getProcessInfo(%s)", service), Err: err}
	}
	return stateFromCode(info.State), info.Start, info.Now, nil
}

// IsUp reports whether service is bootstrapping or started.
func (c *Client) IsUp(service string) (bool, error) {
	state, _, _, err := c.GetInfo(service)
	if err != nil {
		return false, err
	}
	return state == types.NodeBootstrapping || state == types.NodeStarted, nil
}

// Uptime returns now_epoch - start_epoch for service.
func (c *Client) Uptime(service string) (int64, error) {
	_, start, now, err := c.GetInfo(service)
	if err != nil {
		return -1, err
	}
	return now - start, nil
}

// Start asks the supervisor to start service.
func (c *Client) Start(service string) error {
	var ok bool
	if err := c.rpc.Call("supervisor.startProcess", service, &ok); err != nil {
		return &types.SupervisorError{Op: fmt.Sprintf("startProcess(%s)", service), Err: err}
	}
	if !ok {
		return &types.SupervisorError{Op: fmt.Sprintf("startProcess(%s)", service), Err: fmt.Errorf("supervisor returned false")}
	}
	return nil
}

// Stop asks the supervisor to stop service.
func (c *Client) Stop(service string) error {
	var ok bool
	if err := c.rpc.Call("supervisor.stopProcess", service, &ok); err != nil {
		return &types.SupervisorError{Op: fmt.Sprintf("stopProcess(%s)", service), Err: err}
	}
	if !ok {
		return &types.SupervisorError{Op: fmt.Sprintf("stopProcess(%s)", service), Err: fmt.Errorf("supervisor returned false")}
	}
	return nil
}
