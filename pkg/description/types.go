package description

import (
	"errors"
	"fmt"

	"github.com/huin/goupnp"
)

// ErrAlreadyProcessed is returned by Fetch when the location is guarded.
// Callers treat it as a successful no-op.
var ErrAlreadyProcessed = errors.New("location already processed")

// ErrNotAbsolute is wrapped when a location is not an absolute URL.
var ErrNotAbsolute = errors.New("location is not an absolute url")

// ErrEmptyDescription is wrapped when a description has no root device.
var ErrEmptyDescription = errors.New("description returned no device")

// FetchError is a network or parse failure retrieving a description.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Descriptor is the parsed root device of a description document.
type Descriptor struct {
	FriendlyName string
	UDN          string
	DeviceType   string
	Manufacturer string
	ModelName    string

	// Services lists the root device services in document order. A
	// serviceList with a single service yields a slice of one.
	Services []Service
}

// Service is one serviceList entry as written in the document.
type Service struct {
	ServiceType string
	ServiceID   string

	// EventSubPath is the raw eventSubURL, possibly relative.
	EventSubPath string
}

// EventService is an eventable service with its absolute subscription URL.
type EventService struct {
	ServiceID string
	EventURL  string
}

// FromRoot converts a goupnp root device into a Descriptor.
func FromRoot(root *goupnp.RootDevice) *Descriptor {
	if root == nil {
		return nil
	}
	dev := root.Device
	d := &Descriptor{
		FriendlyName: dev.FriendlyName,
		UDN:          dev.UDN,
		DeviceType:   dev.DeviceType,
		Manufacturer: dev.Manufacturer,
		ModelName:    dev.ModelName,
		Services:     make([]Service, 0, len(dev.Services)),
	}
	for _, s := range dev.Services {
		d.Services = append(d.Services, Service{
			ServiceType:  s.ServiceType,
			ServiceID:    s.ServiceId,
			EventSubPath: s.EventSubURL.Str,
		})
	}
	return d
}
