package config

// BrokerSettings holds configuration for connecting to the message broker that receives replayed actions.
type BrokerSettings struct {
	Type        string `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub"`
	URL         string `mapstructure:"url"`
	Exchange    string `mapstructure:"exchange"`   // RabbitMQ topic exchange, topics become routing keys
	ProjectID   string `mapstructure:"project_id"` // Optional for brokers like GCP Pub/Sub
	PoolSize    int    `mapstructure:"pool_size" validate:"omitempty,min=1"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}
