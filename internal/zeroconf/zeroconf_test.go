package zeroconf_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/micro-nova/sensorsim/internal/models"
	"github.com/micro-nova/sensorsim/internal/zeroconf"
)

func TestText(t *testing.T) {
	info := models.Info{Version: "1.2.0", Board: "wearable", Peripherals: 2}
	list := []models.PeripheralInfo{{Name: "accel"}, {Name: "skin"}}
	want := []string{"version=1.2.0", "board=wearable", "peripherals=accel,skin", "api=/api"}
	if got := zeroconf.Text(info, list); !reflect.DeepEqual(got, want) {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestStartCancel(t *testing.T) {
	svc := zeroconf.New("sensorsim-test", 18080, []string{"version=test"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case err := <-done:
		// mDNS may be unavailable in sandboxes; returning is what matters.
		if err != nil {
			t.Logf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestSetTextBeforeStart(t *testing.T) {
	svc := zeroconf.New("sensorsim-test", 18080, nil, nil)
	if err := svc.SetText([]string{"version=test"}); !errors.Is(err, zeroconf.ErrNotStarted) {
		t.Errorf("SetText before Start = %v, want ErrNotStarted", err)
	}
}
