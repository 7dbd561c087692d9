//go:build !no_mqtt

package main

import (
	"log/slog"

	"pldmd/internal/config"
	"pldmd/internal/manager"
	"pldmd/internal/mqttpublish"
)

type mqttStopper struct {
	publisher *mqttpublish.Publisher
}

func (m *mqttStopper) Stop() {
	if m.publisher != nil {
		m.publisher.Stop()
	}
}

func initMQTT(events *manager.EventBus, cfg *config.Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	publisher, err := mqttpublish.NewPublisher(events, mqttpublish.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		logger.Error("mqtt publisher", "err", err)
		return &mqttStopper{}
	}
	publisher.Start()
	return &mqttStopper{publisher: publisher}
}
