//go:build no_mqtt

package main

import (
	"log/slog"

	"pldmd/internal/config"
	"pldmd/internal/manager"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *manager.EventBus, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
