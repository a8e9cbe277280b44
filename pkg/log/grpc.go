// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/grpclog"
)

// Rate describes how often non-error gRPC messages are let through.
type Rate struct {
	// Limit is the sustained message rate.
	Limit rate.Limit
	// Burst is the number of messages allowed in a burst. 0 means 1.
	Burst int
}

// Every converts a minimum time interval between messages to a Limit.
func Every(interval time.Duration) rate.Limit {
	return rate.Every(interval)
}

// grpcLimiter rate-limits informational and warning gRPC messages.
var grpcLimiter = rate.NewLimiter(rate.Inf, 1)

// grpcLogger adapts a Logger to grpclog.LoggerV2.
type grpcLogger struct {
	l Logger
}

var _ grpclog.LoggerV2 = &grpcLogger{}

// SetGrpcLogger sets up gRPC to log through the given source, with
// informational messages and warnings limited to the given rate.
func SetGrpcLogger(source string, r *Rate) {
	if r != nil {
		burst := r.Burst
		if burst < 1 {
			burst = 1
		}
		grpcLimiter.SetLimit(r.Limit)
		grpcLimiter.SetBurst(burst)
	}
	grpclog.SetLoggerV2(&grpcLogger{l: log.get(source)})
}

func setGrpcLogRate(value string) error {
	interval, err := time.ParseDuration(value)
	if err != nil {
		return loggerError("invalid gRPC log rate %q: %v", value, err)
	}
	if interval <= 0 {
		grpcLimiter.SetLimit(rate.Inf)
	} else {
		grpcLimiter.SetLimit(Every(interval))
	}
	return nil
}

func (g *grpcLogger) Info(args ...any) {
	if g.l.DebugEnabled() || grpcLimiter.Allow() {
		g.l.Info("%s", fmt.Sprint(args...))
	}
}

func (g *grpcLogger) Infoln(args ...any) {
	if g.l.DebugEnabled() || grpcLimiter.Allow() {
		g.l.Info("%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
	}
}

func (g *grpcLogger) Infof(format string, args ...any) {
	if g.l.DebugEnabled() || grpcLimiter.Allow() {
		g.l.Info(format, args...)
	}
}

func (g *grpcLogger) Warning(args ...any) {
	if grpcLimiter.Allow() {
		g.l.Warn("%s", fmt.Sprint(args...))
	}
}

func (g *grpcLogger) Warningln(args ...any) {
	if grpcLimiter.Allow() {
		g.l.Warn("%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
	}
}

func (g *grpcLogger) Warningf(format string, args ...any) {
	if grpcLimiter.Allow() {
		g.l.Warn(format, args...)
	}
}

func (g *grpcLogger) Error(args ...any) {
	g.l.Error("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Errorln(args ...any) {
	g.l.Error("%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (g *grpcLogger) Errorf(format string, args ...any) {
	g.l.Error(format, args...)
}

func (g *grpcLogger) Fatal(args ...any) {
	g.l.Fatal("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Fatalln(args ...any) {
	g.l.Fatal("%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (g *grpcLogger) Fatalf(format string, args ...any) {
	g.l.Fatal(format, args...)
}

func (g *grpcLogger) V(level int) bool {
	return level <= 0 || g.l.DebugEnabled()
}
