package product

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Attribute is one named attribute with its values.
type Attribute struct {
	Name   string
	Values []string
}

// Attributes is an insertion-ordered attribute map. On the JSON wire it is a
// plain object {"Color": ["Red", "Blue"]}; key order survives decoding.
// A string value decodes as a one-element list.
type Attributes []Attribute

// Get returns the values stored under name.
func (a Attributes) Get(name string) ([]string, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Values, true
		}
	}
	return nil, false
}

// Add appends values under name, creating the key at the end if it is new.
func (a *Attributes) Add(name string, values ...string) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Values = append((*a)[i].Values, values...)
			return
		}
	}
	*a = append(*a, Attribute{Name: name, Values: append([]string(nil), values...)})
}

// MarshalJSON writes the attributes as an object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	om := orderedmap.New[string, []string]()
	for _, attr := range a {
		values := attr.Values
		if values == nil {
			values = []string{}
		}
		om.Set(attr.Name, values)
	}
	return json.Marshal(om)
}

// UnmarshalJSON reads an object whose values are strings or string arrays.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	om := orderedmap.New[string, valueList]()
	if err := json.Unmarshal(data, om); err != nil {
		return fmt.Errorf("product: attributes: %w", err)
	}
	var out Attributes
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		out.Add(pair.Key, pair.Value...)
	}
	*a = out
	return nil
}

// valueList decodes a single string or a list of strings.
type valueList []string

func (l *valueList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = valueList{one}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("values must be a string or a list of strings")
	}
	*l = list
	return nil
}

// Assignment binds one attribute to the value a variation carries.
type Assignment struct {
	Name  string
	Value string
}

// Assignments is an insertion-ordered name to value map, encoded as a JSON
// object.
type Assignments []Assignment

// Get returns the value assigned to name.
func (a Assignments) Get(name string) (string, bool) {
	for _, as := range a {
		if as.Name == name {
			return as.Value, true
		}
	}
	return "", false
}

// Set assigns value to name, replacing an earlier assignment in place.
func (a *Assignments) Set(name, value string) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Assignment{Name: name, Value: value})
}

// Values returns the assigned values in order.
func (a Assignments) Values() []string {
	out := make([]string, len(a))
	for i, as := range a {
		out[i] = as.Value
	}
	return out
}

// MarshalJSON writes the assignments as an object in insertion order.
func (a Assignments) MarshalJSON() ([]byte, error) {
	om := orderedmap.New[string, string]()
	for _, as := range a {
		om.Set(as.Name, as.Value)
	}
	return json.Marshal(om)
}

// UnmarshalJSON reads an object of string values.
func (a *Assignments) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	om := orderedmap.New[string, string]()
	if err := json.Unmarshal(data, om); err != nil {
		return fmt.Errorf("product: attribute assignments: %w", err)
	}
	var out Assignments
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	*a = out
	return nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
