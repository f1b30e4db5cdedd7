package changefeed

import (
	"fmt"

	"facet/internal/broker"
	"facet/internal/config"
	"facet/internal/constants"
	"facet/internal/logger"
	"facet/internal/master"
)

type FactoryDeps struct {
	DSN      string
	Repo     master.Repository
	Consumer broker.Consumer
	Columns  ColumnsFunc
	OnResync func(table string)
}

func NewSource(cfg *config.Config, deps FactoryDeps, log logger.Logger) (Source, error) {
	switch cfg.Changefeed.Type {
	case constants.ChangefeedListen, "":
		return NewListenSource(deps.DSN, log, deps.OnResync), nil
	case constants.ChangefeedPoll:
		return NewPollSource(deps.Repo, deps.Columns, cfg.Changefeed.PollInterval, log), nil
	case constants.ChangefeedKafka:
		if deps.Consumer == nil {
			return nil, fmt.Errorf("changefeed type kafka requires a broker consumer")
		}
		return NewKafkaSource(deps.Consumer, cfg.Broker.Kafka.ChangeTopic, log), nil
	default:
		return nil, fmt.Errorf("unknown changefeed type: %s", cfg.Changefeed.Type)
	}
}
