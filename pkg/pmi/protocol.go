// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package pmi

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
)

// Commands of the PMI-1 simple protocol and its extensions.
const (
	CmdInit             = "init"
	CmdResponseToInit   = "response_to_init"
	CmdInitAck          = "initack"
	CmdSet              = "set"
	CmdGetMaxes         = "get_maxes"
	CmdMaxes            = "maxes"
	CmdGetAppNum        = "get_appnum"
	CmdAppNum           = "appnum"
	CmdGetMyKVSName     = "get_my_kvsname"
	CmdMyKVSName        = "my_kvsname"
	CmdGetUniverseSize  = "get_universe_size"
	CmdUniverseSize     = "universe_size"
	CmdPut              = "put"
	CmdPutResult        = "put_result"
	CmdBarrierIn        = "barrier_in"
	CmdBarrierOut       = "barrier_out"
	CmdFence            = "fence"
	CmdFenceResult      = "fence_result"
	CmdGet              = "get"
	CmdGetResult        = "get_result"
	CmdFinalize         = "finalize"
	CmdFinalizeAck      = "finalize_ack"
	CmdAbort            = "abort"
	keyCmd              = "cmd"
	keyRC               = "rc"
	keyMsg              = "msg"
	rcOK                = "0"
	rcError             = "-1"
	maxRequestLineBytes = 1024 * 1024
)

// Limits reported by get_maxes.
const (
	KVSNameMax = 256
	KeyLenMax  = 64
	ValLenMax  = 1024
)

// Attr is one key=value pair of a command line.
type Attr struct {
	Key   string
	Value string
}

// Command is one line of the protocol. Attribute order is kept.
type Command struct {
	Name  string
	Attrs []Attr
}

// NewCommand creates a command from alternating keys and values.
func NewCommand(name string, kvs ...string) *Command {
	c := &Command{Name: name}
	for i := 0; i+1 < len(kvs); i += 2 {
		c.Set(kvs[i], kvs[i+1])
	}
	return c
}

// Set adds or replaces an attribute.
func (c *Command) Set(key, value string) *Command {
	for i := range c.Attrs {
		if c.Attrs[i].Key == key {
			c.Attrs[i].Value = value
			return c
		}
	}
	c.Attrs = append(c.Attrs, Attr{Key: key, Value: value})
	return c
}

// Get returns an attribute.
func (c *Command) Get(key string) (string, bool) {
	for _, a := range c.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Require returns an attribute or ErrMalformedRequest.
func (c *Command) Require(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok {
		return "", cerror.ErrMalformedRequest.GenWithStackByArgs(
			fmt.Sprintf("%s without %s", c.Name, key))
	}
	return v, nil
}

// Int returns an integer attribute, def when it is absent.
func (c *Command) Int(key string, def int) (int, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, cerror.ErrMalformedRequest.GenWithStackByArgs(
			fmt.Sprintf("%s=%s is not an integer", key, v))
	}
	return n, nil
}

// Bool returns a flag attribute, "1", "true" and "yes" are true.
func (c *Command) Bool(key string) bool {
	v, _ := c.Get(key)
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// String encodes the command without the trailing newline.
func (c *Command) String() string {
	var sb strings.Builder
	sb.WriteString(keyCmd)
	sb.WriteByte('=')
	sb.WriteString(c.Name)
	for _, a := range c.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value)
	}
	return sb.String()
}

// ParseCommand decodes one line. Values end at the next whitespace and may
// contain '='.
func ParseCommand(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, cerror.ErrMalformedRequest.GenWithStackByArgs("empty line")
	}
	c := &Command{}
	for i, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, cerror.ErrMalformedRequest.GenWithStackByArgs(
				fmt.Sprintf("bad attribute %q", field))
		}
		if i == 0 {
			if key != keyCmd || value == "" {
				return nil, cerror.ErrMalformedRequest.GenWithStackByArgs(
					fmt.Sprintf("line does not start with cmd: %q", field))
			}
			c.Name = value
			continue
		}
		c.Attrs = append(c.Attrs, Attr{Key: key, Value: value})
	}
	return c, nil
}

// ValidValue reports whether v can be carried as an attribute value.
func ValidValue(v string) bool {
	return v != "" && !strings.ContainsAny(v, " \t\r\n")
}

// Reader reads commands from a connection.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader accepting lines up to maxLine bytes, or a
// default limit when maxLine is not positive.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = maxRequestLineBytes
	}
	initial := 4096
	if initial > maxLine {
		initial = maxLine
	}
	// The scanner accepts tokens up to the larger of maxLine and the
	// initial capacity.
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLine)
	return &Reader{scanner: scanner}
}

// Read returns the next non-empty command, io.EOF at the end of input.
func (r *Reader) Read() (*Command, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		return ParseCommand(line)
	}
	if err := r.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, cerror.ErrMalformedRequest.GenWithStackByArgs("line too long")
		}
		return nil, errors.Trace(err)
	}
	return nil, io.EOF
}

// Write writes commands, one per line.
func Write(w io.Writer, cmds ...*Command) error {
	var sb strings.Builder
	for _, c := range cmds {
		sb.WriteString(c.String())
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return errors.Trace(err)
}

// OK returns a successful reply.
func OK(name string, kvs ...string) *Command {
	return NewCommand(name, keyRC, rcOK).appendKVs(kvs...)
}

// Failure returns the reply of a failed request. msg carries the RFC code
// of err so clients can tell errors apart.
func Failure(name string, err error) *Command {
	code, ok := cerror.RFCCode(err)
	msg := string(code)
	if !ok {
		msg = "RDZV:ErrUnknown"
	}
	return NewCommand(name, keyRC, rcError, keyMsg, msg)
}

func (c *Command) appendKVs(kvs ...string) *Command {
	for i := 0; i+1 < len(kvs); i += 2 {
		c.Set(kvs[i], kvs[i+1])
	}
	return c
}
