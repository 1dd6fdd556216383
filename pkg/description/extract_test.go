package description

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestExtract(t *testing.T) {
	desc := &Descriptor{
		UDN: "uuid:RENDERER-1",
		Services: []Service{
			{ServiceID: "urn:schemas:AVTransport", EventSubPath: "/AVTransport/Event"},
			{ServiceID: "urn:schemas:ConnectionManager", EventSubPath: ""},
			{ServiceID: "urn:schemas:RenderingControl", EventSubPath: "RC/Event"},
			{ServiceID: "urn:schemas:Absolute", EventSubPath: "http://10.0.0.9:1400/evt"},
		},
	}

	got, err := Extract(desc, "http://10.0.0.5:8080/dev/desc.xml")
	require.NoError(t, err)

	assert.Equal(t, []EventService{
		{ServiceID: "urn:schemas:AVTransport", EventURL: "http://10.0.0.5:8080/AVTransport/Event"},
		{ServiceID: "urn:schemas:RenderingControl", EventURL: "http://10.0.0.5:8080/dev/RC/Event"},
		{ServiceID: "urn:schemas:Absolute", EventURL: "http://10.0.0.9:1400/evt"},
	}, got)
}

func TestExtract_SingleAndListShapesMatch(t *testing.T) {
	single := &Descriptor{Services: []Service{{ServiceID: "s", EventSubPath: "/e"}}}
	list := &Descriptor{Services: []Service{{ServiceID: "s", EventSubPath: "/e"}, {ServiceID: "x"}}}

	a, err := Extract(single, "http://h/d.xml")
	require.NoError(t, err)
	b, err := Extract(list, "http://h/d.xml")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtract_Empty(t *testing.T) {
	got, err := Extract(&Descriptor{}, "http://h/d.xml")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Extract(nil, "http://h/d.xml")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtract_BadBase(t *testing.T) {
	_, err := Extract(&Descriptor{}, "http://[::1")
	assert.Error(t, err)
}
