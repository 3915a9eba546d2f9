package device

import (
	"strconv"
	"strings"
)

// AckToken is the literal the controller appends to a successful write reply.
const AckToken = "done ok"

// Command is one request to the winder controller. A read command carries
// no value; a write command always carries one.
type Command struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
	Write bool   `json:"write"`
}

// Read returns a read command for name.
func Read(name string) Command { return Command{Name: name} }

// Write returns a write command setting name to value.
func Write(name string, value int) Command {
	return Command{Name: name, Value: value, Write: true}
}

// Encode returns the wire form without the line terminator:
// "name" for reads, "name_value" for writes.
func (c Command) Encode() string {
	if !c.Write {
		return c.Name
	}
	return c.Name + "_" + strconv.Itoa(c.Value)
}

func (c Command) String() string { return c.Encode() }

// Base is the part of the name before its first underscore ("pot" for
// "pot_1"). Names without an underscore are their own base.
func (c Command) Base() string {
	base, _, _ := strings.Cut(c.Name, "_")
	return base
}

// Matches reports whether resp is a valid reply to c. There are no request
// IDs on the wire, so matching is by substring and only holds while a
// single exchange is in flight.
func (c Command) Matches(resp string) bool {
	if c.Write {
		return strings.Contains(resp, c.Name) && strings.Contains(resp, strconv.Itoa(c.Value))
	}
	return strings.Contains(resp, c.Base()) && strings.Contains(resp, c.Name)
}

// Acked reports whether resp carries the write acknowledgement.
func Acked(resp string) bool { return strings.Contains(resp, AckToken) }
