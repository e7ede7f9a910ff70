package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/rubiojr/fruitmap/pkg/logger"
)

/*
GeoClue (geoclue2) location integration.

The locator connects lazily: the first Current call spawns a goroutine that
talks to GeoClue on the system bus, creates a client, starts updates and
keeps the last fix fresh from PropertiesChanged signals. Until a fix arrives
(or when GeoClue is missing or denies access) Current returns ErrNoFix and the
page falls back to the browser geolocation API.

GeoClue requires a DesktopId that matches a .desktop file carrying
X-Geoclue-2-Client=true; one is written to ~/.local/share/applications if
missing.
*/

const (
	geoService    = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = "org.freedesktop.GeoClue2.Manager"
	clientIface   = "org.freedesktop.GeoClue2.Client"
	locationIface = "org.freedesktop.GeoClue2.Location"
	propsIface    = "org.freedesktop.DBus.Properties"

	desktopID = "io.github.rubiojr.fruitmap.desktop"
)

// ErrNoFix means no device position is known (yet).
var ErrNoFix = errors.New("no location fix available")

// LocationFix holds the last known position.
type LocationFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Locator reports the device position.
type Locator interface {
	Current() (LocationFix, error)
}

// geoClueLocator tracks the position through GeoClue.
type geoClueLocator struct {
	desktopID string
	start     sync.Once
	cancel    context.CancelFunc

	mu    sync.RWMutex
	fix   LocationFix
	valid bool
}

func newGeoClueLocator(desktopID string) *geoClueLocator {
	return &geoClueLocator{desktopID: desktopID}
}

// Current returns the last fix, starting tracking on first use.
func (l *geoClueLocator) Current() (LocationFix, error) {
	l.start.Do(func() {
		if err := ensureDesktopFile(l.desktopID); err != nil {
			logger.Warn("location: failed to ensure desktop file: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		l.mu.Lock()
		l.cancel = cancel
		l.mu.Unlock()
		go l.run(ctx)
	})
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.valid {
		return LocationFix{}, ErrNoFix
	}
	return l.fix, nil
}

// Stop ends background tracking.
func (l *geoClueLocator) Stop() {
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (l *geoClueLocator) store(fix LocationFix) {
	l.mu.Lock()
	l.fix = fix
	l.valid = true
	l.mu.Unlock()
}

// ensureDesktopFile writes a minimal desktop file if it does not already exist.
func ensureDesktopFile(desktopID string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	appsDir := filepath.Join(home, ".local", "share", "applications")
	if err := os.MkdirAll(appsDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(appsDir, desktopID)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	content := `[Desktop Entry]
Type=Application
Name=Fruitmap
Comment=Foraging map (GeoClue client)
Exec=fruitmap
Terminal=false
Categories=Utility;
X-Geoclue-2-Client=true
X-Geoclue-2-Access-Fine=true
`
	return os.WriteFile(dest, []byte(content), 0o644)
}

type geoClient struct {
	path dbus.ObjectPath
	bus  *dbus.Conn
	sink func(LocationFix)
}

// run keeps trying to establish location updates until ctx is cancelled.
func (l *geoClueLocator) run(ctx context.Context) {
	const (
		maxInitialRetries = 5
		retryBaseDelay    = 2 * time.Second
		requestedAccuracy = uint32(5)  // "exact"
		distanceThreshold = uint32(25) // meters between updates
		timeThreshold     = uint32(5)  // seconds between updates
	)

	var attempt int
	for {
		if ctx.Err() != nil {
			return
		}
		err := func() error {
			cl, err := newGeoClueClient(l.desktopID, requestedAccuracy, distanceThreshold, timeThreshold)
			if err != nil {
				return err
			}
			cl.sink = l.store
			defer cl.close()
			if err := cl.start(); err != nil {
				return err
			}
			cl.fetchInitialLocation()
			return cl.runSignalLoop(ctx)
		}()
		if err == nil {
			return
		}
		attempt++
		delay := 30 * time.Second
		if attempt <= maxInitialRetries {
			delay = retryBaseDelay * time.Duration(attempt)
		}
		logger.Warn("location: retrying after error (%v), attempt=%d delay=%s", err, attempt, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func newGeoClueClient(desktopID string, acc, dist, sec uint32) (*geoClient, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	manager := bus.Object(geoService, managerPath)

	var clientPath dbus.ObjectPath
	if call := manager.Call(managerIface+".CreateClient", 0); call.Err != nil {
		return nil, call.Err
	} else if err := call.Store(&clientPath); err != nil {
		return nil, err
	}
	clientObj := bus.Object(geoService, clientPath)

	setProp := func(name string, val interface{}) error {
		return clientObj.Call(propsIface+".Set", 0, clientIface, name, dbus.MakeVariant(val)).Err
	}
	if err := setProp("DesktopId", desktopID); err != nil {
		return nil, fmt.Errorf("set DesktopId: %w", err)
	}
	if err := setProp("RequestedAccuracyLevel", acc); err != nil {
		return nil, fmt.Errorf("set accuracy: %w", err)
	}
	_ = setProp("DistanceThreshold", dist)
	_ = setProp("TimeThreshold", sec)

	return &geoClient{path: clientPath, bus: bus}, nil
}

func (c *geoClient) start() error {
	return c.bus.Object(geoService, c.path).Call(clientIface+".Start", 0).Err
}

func (c *geoClient) close() {
	_ = c.bus.Object(geoService, c.path).Call(clientIface+".Stop", 0)
	c.bus.Close()
}

func (c *geoClient) fetchInitialLocation() {
	var variant dbus.Variant
	call := c.bus.Object(geoService, c.path).Call(propsIface+".Get", 0, clientIface, "Location")
	if call.Err != nil || call.Store(&variant) != nil {
		return
	}
	if locPath, _ := variant.Value().(dbus.ObjectPath); locPath != "" && locPath != "/" {
		c.readLocation(locPath)
	}
}

func (c *geoClient) runSignalLoop(ctx context.Context) error {
	matchRule := fmt.Sprintf("type='signal',interface='%s',path='%s'", propsIface, c.path)
	if call := c.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return call.Err
	}
	sigCh := make(chan *dbus.Signal, 10)
	c.bus.Signal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == nil {
				return errors.New("dbus signal channel closed")
			}
			if sig.Name != propsIface+".PropertiesChanged" || sig.Path != c.path || len(sig.Body) < 2 {
				continue
			}
			// Body[1] is the changed map[string]Variant
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if v, ok := changed["Location"]; ok {
				if lp, ok := v.Value().(dbus.ObjectPath); ok && lp != "" && lp != "/" {
					c.readLocation(lp)
				}
			}
		}
	}
}

func (c *geoClient) readLocation(locPath dbus.ObjectPath) {
	var props map[string]dbus.Variant
	call := c.bus.Object(geoService, locPath).Call(propsIface+".GetAll", 0, locationIface)
	if call.Err != nil || call.Store(&props) != nil {
		return
	}
	getF64 := func(key string) float64 {
		if v, ok := props[key]; ok {
			if f, ok := v.Value().(float64); ok {
				return f
			}
		}
		return 0
	}
	lat, lon := getF64("Latitude"), getF64("Longitude")
	if lat == 0 && lon == 0 {
		return // ignore obviously invalid fix
	}
	logger.Debug("location: fix %.5f,%.5f accuracy=%.0fm", lat, lon, getF64("Accuracy"))
	if c.sink != nil {
		c.sink(LocationFix{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  getF64("Accuracy"),
			Timestamp: time.Now().UTC(),
		})
	}
}
