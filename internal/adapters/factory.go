package adapters

import (
	"fmt"

	"github.com/Napageneral/chms/internal/chms"
)

// New creates the provider adapter for a connection. This switch is the one
// place a new provider is registered.
func New(conn chms.Connection, opts ...Option) (chms.Provider, error) {
	var (
		p   chms.Provider
		err error
	)
	if rpm := conn.SyncInt("max_requests_per_minute", 0); rpm > 0 {
		opts = append([]Option{WithRequestsPerMinute(rpm)}, opts...)
	}
	switch conn.Provider {
	case chms.ProviderRock:
		p, err = asProvider(NewRockAdapter(conn, opts...))
	case chms.ProviderPlanningCenter:
		p, err = asProvider(NewPlanningCenterAdapter(conn, opts...))
	case chms.ProviderCCB:
		p, err = asProvider(NewCCBAdapter(conn, opts...))
	default:
		return nil, fmt.Errorf("%w: %q", chms.ErrUnknownProvider, conn.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.Name, err)
	}
	return p, nil
}

// asProvider keeps a failed constructor's typed nil out of the interface.
func asProvider[T chms.Provider](p T, err error) (chms.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CallCounter is implemented by adapters that count their HTTP requests.
type CallCounter interface {
	CallCount() int64
}

// CapabilitiesOf returns a provider's capabilities at default settings
// without credentials or network access.
func CapabilitiesOf(p chms.ProviderName) (chms.Capabilities, error) {
	switch p {
	case chms.ProviderRock:
		return (&RockAdapter{pageSize: rockDefaultPageSize}).Capabilities(), nil
	case chms.ProviderPlanningCenter:
		return (&PlanningCenterAdapter{}).Capabilities(), nil
	case chms.ProviderCCB:
		return (&CCBAdapter{pageSize: ccbDefaultPageSize}).Capabilities(), nil
	default:
		return chms.Capabilities{}, fmt.Errorf("%w: %q", chms.ErrUnknownProvider, p)
	}
}
