package gena

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type propertySet struct {
	Properties []propertyElem `xml:"property"`
}

type propertyElem struct {
	Vars []variableElem `xml:",any"`
}

type variableElem struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParsePropertySet decodes an e:propertyset body. Each e:property may hold
// one or several variables; all are returned in document order.
func ParsePropertySet(r io.Reader) ([]Property, error) {
	var set propertySet
	if err := xml.NewDecoder(r).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode propertyset: %w", err)
	}

	var props []Property
	for _, p := range set.Properties {
		for _, v := range p.Vars {
			props = append(props, Property{
				Name:  v.XMLName.Local,
				Value: strings.TrimSpace(v.Value),
			})
		}
	}
	return props, nil
}
