// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package function

import (
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Handshake is the go-plugin handshake both host and sandboxed function
// processes must agree on. Mismatched versions refuse to connect.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ORCHESTRATOR_FUNCTION_PLUGIN",
	MagicCookieValue: "dynamic-function-v1",
}

// FunctionPlugin is what a sandboxed function subprocess implements.
type FunctionPlugin interface {
	Call(args map[string]any) (any, error)
}

// rpcPlugin adapts FunctionPlugin to go-plugin's net/rpc transport.
type rpcPlugin struct {
	Impl FunctionPlugin
}

func (p *rpcPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *rpcPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

type callArgs struct {
	Args map[string]any
}

type callReply struct {
	Result any
}

type rpcServer struct {
	impl FunctionPlugin
}

func (s *rpcServer) Call(args callArgs, reply *callReply) error {
	v, err := s.impl.Call(args.Args)
	if err != nil {
		return err
	}
	reply.Result = v
	return nil
}

type rpcClient struct {
	client *rpc.Client
}

// Call implements Callable by round-tripping the call over RPC to the
// subprocess, which runs the actual function body in its own isolated
// process — the "sandboxed executable artefact" path named in spec.md
// §4.8. When invoked through Registry.Execute the call is bounded by the
// function's execution timeout; the IR interpreter's gas cap does not
// apply to it.
func (c *rpcClient) Call(args map[string]any) (any, error) {
	var reply callReply
	if err := c.client.Call("Plugin.Call", callArgs{Args: args}, &reply); err != nil {
		return nil, xerror.Wrap(xerror.KindInternal, "function: sandboxed call failed", err)
	}
	return reply.Result, nil
}

// SandboxClient launches a function plugin binary as a subprocess and
// returns a Callable that proxies calls to it over net/rpc. Callers are
// responsible for calling Kill when done with the returned closer.
type SandboxClient struct {
	client *goplugin.Client
	impl   Callable
}

// Callable returns the RPC-backed Callable for registry.RegisterCallable.
func (s *SandboxClient) Callable() Callable { return s.impl }

// Kill terminates the subprocess.
func (s *SandboxClient) Kill() { s.client.Kill() }

// LaunchSandbox starts command as a go-plugin subprocess implementing
// FunctionPlugin and dispenses a Callable wrapping it.
func LaunchSandbox(command string, args ...string) (*SandboxClient, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "function-sandbox",
		Level:  hclog.Warn,
		Output: hclog.DefaultOutput,
	})

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"function": &rpcPlugin{},
		},
		Cmd:    exec.Command(command, args...),
		Logger: logger,
	})

	rpcClientProto, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, xerror.Wrap(xerror.KindInternal, "function: sandbox dial failed", err)
	}
	raw, err := rpcClientProto.Dispense("function")
	if err != nil {
		client.Kill()
		return nil, xerror.Wrap(xerror.KindInternal, "function: sandbox dispense failed", err)
	}
	callable, ok := raw.(Callable)
	if !ok {
		client.Kill()
		return nil, xerror.Internal("function: sandbox dispensed unexpected type %T", raw)
	}
	return &SandboxClient{client: client, impl: callable}, nil
}

// ServeSandbox is called from a sandboxed function's own main() to run it
// as a go-plugin subprocess server.
func ServeSandbox(impl FunctionPlugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"function": &rpcPlugin{Impl: impl},
		},
	})
}
