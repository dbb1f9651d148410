package katcp

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// registerDefaults installs the administrative handlers every server
// answers from process-local state. Lifecycle handlers are registered on
// top of these by the protocol server's owner.
func registerDefaults(r *Registry) {
	// Registration of built-ins cannot fail: names are static and
	// handlers non-nil.
	_ = r.Register("help", "help [request]: list available requests", helpHandler)
	_ = r.Register("watchdog", "watchdog: check that the server is alive", watchdogHandler)
	_ = r.Register("version-list", "version-list: list version information", versionListHandler)
	_ = r.Register("client-list", "client-list: list connected clients", clientListHandler)
	_ = r.Register("log-level", "log-level [level]: query or set the process log level", logLevelHandler)
	_ = r.Register("sensor-list", "sensor-list [name]: list process-local sensors", sensorListHandler)
	_ = r.Register("sensor-value", "sensor-value [name]: read process-local sensor values", sensorValueHandler)
}

func helpHandler(_ context.Context, s *Session, req Message) Message {
	reg := s.srv.registry
	if len(req.Args) > 0 {
		info, ok := reg.Lookup(req.Args[0])
		if !ok {
			return NewReply(req.Name, StatusFail, "unknown request "+req.Args[0])
		}
		if err := s.Inform(NewInform(req.Name, req.Args[0], info.Help)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
		return NewReply(req.Name, StatusOK, "1")
	}

	names := reg.Names()
	for _, name := range names {
		info, _ := reg.Lookup(name)
		if err := s.Inform(NewInform(req.Name, name, info.Help)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	return NewReply(req.Name, StatusOK, strconv.Itoa(len(names)))
}

func watchdogHandler(_ context.Context, _ *Session, req Message) Message {
	return NewReply(req.Name, StatusOK)
}

func versionListHandler(_ context.Context, s *Session, req Message) Message {
	for _, v := range []string{ProtocolVersion, LibraryVersion, DeviceVersion} {
		if err := s.Inform(NewInform(req.Name, v)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	return NewReply(req.Name, StatusOK, "3")
}

func clientListHandler(_ context.Context, s *Session, req Message) Message {
	addrs := s.srv.clientAddrs()
	for _, addr := range addrs {
		if err := s.Inform(NewInform(req.Name, addr)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	return NewReply(req.Name, StatusOK, strconv.Itoa(len(addrs)))
}

var logLevels = map[string]slog.Level{
	"trace": slog.LevelDebug,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
	"fatal": slog.LevelError,
}

func logLevelHandler(_ context.Context, s *Session, req Message) Message {
	if len(req.Args) == 0 {
		return NewReply(req.Name, StatusOK, currentLevelName(s.srv.logLevel.Level()))
	}
	level, ok := logLevels[req.Args[0]]
	if !ok {
		return NewReply(req.Name, StatusFail, "unknown log level "+req.Args[0])
	}
	s.srv.logLevel.Set(level)
	return NewReply(req.Name, StatusOK, req.Args[0])
}

func currentLevelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

func sensorListHandler(_ context.Context, s *Session, req Message) Message {
	sensors := s.srv.sensors.sorted()
	if len(req.Args) > 0 {
		sensor, ok := s.srv.sensors.get(req.Args[0])
		if !ok {
			return NewReply(req.Name, StatusFail, "unknown sensor "+req.Args[0])
		}
		sensors = []*Sensor{sensor}
	}
	for _, sensor := range sensors {
		if err := s.Inform(NewInform(req.Name,
			sensor.Name, sensor.Description, sensor.Units, "string")); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	return NewReply(req.Name, StatusOK, strconv.Itoa(len(sensors)))
}

func sensorValueHandler(_ context.Context, s *Session, req Message) Message {
	sensors := s.srv.sensors.sorted()
	if len(req.Args) > 0 {
		sensor, ok := s.srv.sensors.get(req.Args[0])
		if !ok {
			return NewReply(req.Name, StatusFail, "unknown sensor "+req.Args[0])
		}
		sensors = []*Sensor{sensor}
	}
	now := timestamp(time.Now())
	for _, sensor := range sensors {
		status, value := sensor.Read()
		if err := s.Inform(NewInform(req.Name,
			now, "1", sensor.Name, string(status), value)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	return NewReply(req.Name, StatusOK, strconv.Itoa(len(sensors)))
}
