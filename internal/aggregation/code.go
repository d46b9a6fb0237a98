package aggregation

import "strings"

// Field is one named value read from or written to a correlation row
type Field struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Code addresses exactly one correlation row by (Token, ID) and carries the
// fields to read or write plus optional filter conditions for updates.
// Field order is significant: reads return values positionally.
type Code struct {
	Table      string
	Token      string
	ID         string
	Fields     []Field
	Conditions []Field
}

// NewCode creates a correlation code for the given token and id
func NewCode(token, id string) *Code {
	return &Code{Token: token, ID: id}
}

// Set writes a field value, keeping the position of an existing field
func (c *Code) Set(name, value string) *Code {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			c.Fields[i].Value = value
			return c
		}
	}
	c.Fields = append(c.Fields, Field{Name: name, Value: value})
	return c
}

// Want registers a field to be filled by a read
func (c *Code) Want(names ...string) *Code {
	for _, name := range names {
		if _, ok := c.Get(name); !ok {
			c.Fields = append(c.Fields, Field{Name: name})
		}
	}
	return c
}

// Get returns the value of a named field
func (c *Code) Get(name string) (string, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Value returns the named field value or an empty string
func (c *Code) Value(name string) string {
	v, _ := c.Get(name)
	return v
}

// Where adds a filter condition applied to updates
func (c *Code) Where(name, value string) *Code {
	c.Conditions = append(c.Conditions, Field{Name: name, Value: value})
	return c
}

// FieldNames returns field names in positional order
func (c *Code) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// ClearFields drops every field and condition but keeps the address
func (c *Code) ClearFields() {
	c.Fields = nil
	c.Conditions = nil
}

// IsEmpty reports whether the code can not address a row
func (c *Code) IsEmpty() bool {
	return c == nil || strings.TrimSpace(c.Token) == "" || strings.TrimSpace(c.ID) == ""
}

// Key returns the token/id address as a single string
func (c *Code) Key() string {
	return c.Token + ":" + c.ID
}

// Clone returns a deep copy
func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	out := &Code{Table: c.Table, Token: c.Token, ID: c.ID}
	out.Fields = append([]Field(nil), c.Fields...)
	out.Conditions = append([]Field(nil), c.Conditions...)
	return out
}

func (c *Code) String() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Key())
	for _, f := range c.Fields {
		b.WriteString("|")
		b.WriteString(f.Name)
		b.WriteString("=")
		b.WriteString(f.Value)
	}
	return b.String()
}
