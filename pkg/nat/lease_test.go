package nat

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipreg/pkg/registration"
)

func openMapping(port uint16) registration.Mapping {
	return registration.Mapping{
		State:        registration.MappingOpen,
		Protocol:     "udp",
		InternalPort: 5060,
		ExternalPort: port,
		ExternalAddr: netip.MustParseAddr("198.51.100.7"),
	}
}

func TestLeaseRenewsSilentlyWhenUnchanged(t *testing.T) {
	mock := clock.NewMock()
	var renewals atomic.Int32
	notified := make(chan registration.Mapping, 1)

	l := startLease(mock, time.Hour, openMapping(40000), func(context.Context) (registration.Mapping, error) {
		renewals.Add(1)
		return openMapping(40000), nil
	}, func(m registration.Mapping) { notified <- m }, slog.Default())
	defer l.stop()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Minute)
		return renewals.Load() >= 2
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, notified)
	assert.Equal(t, openMapping(40000), l.Current())
}

func TestLeaseReportsPortChange(t *testing.T) {
	mock := clock.NewMock()
	notified := make(chan registration.Mapping, 4)

	l := startLease(mock, time.Hour, openMapping(40000), func(context.Context) (registration.Mapping, error) {
		return openMapping(40002), nil
	}, func(m registration.Mapping) { notified <- m }, slog.Default())
	defer l.stop()

	var got registration.Mapping
	require.Eventually(t, func() bool {
		mock.Add(30 * time.Minute)
		select {
		case got = <-notified:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint16(40002), got.ExternalPort)
	assert.Equal(t, uint16(40002), l.Current().ExternalPort)
}

func TestLeaseFailureStopsRenewal(t *testing.T) {
	mock := clock.NewMock()
	notified := make(chan registration.Mapping, 4)
	var renewals atomic.Int32

	l := startLease(mock, time.Hour, openMapping(40000), func(context.Context) (registration.Mapping, error) {
		renewals.Add(1)
		return registration.Mapping{}, errors.New("gateway gone")
	}, func(m registration.Mapping) { notified <- m }, slog.Default())

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Minute)
		return len(notified) > 0
	}, time.Second, 10*time.Millisecond)

	failed := <-notified
	assert.Equal(t, registration.MappingFailed, failed.State)
	assert.Equal(t, uint16(40000), failed.ExternalPort)

	// Горутина продления завершилась
	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("продление не остановилось")
	}
	mock.Add(time.Hour)
	assert.Equal(t, int32(1), renewals.Load())
	l.stop()
}

func TestLeaseKey(t *testing.T) {
	assert.Equal(t, "udp:5060", leaseKey("UDP", 5060))
	assert.Equal(t, "tcp:5061", leaseKey("tcp", 5061))
}
