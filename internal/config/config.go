package config

import (
	"encoding/json"
	"errors"
	"os"
)

type Config struct {
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	S2S struct {
		UseStartTLS     bool              `json:"use_starttls"`
		CertFile        string            `json:"certfile"`
		DomainCertFiles map[string]string `json:"domain_certfile"`
		LocalAddress    string            `json:"local_address"`
		Port            int               `json:"port"`
		AddressFamilies []string          `json:"address_families"`
		ConnectTimeout  string            `json:"connect_timeout"`
		SendTimeout     string            `json:"send_timeout"`
		DNSTimeout      string            `json:"dns_timeout"`
		DNSRetries      int               `json:"dns_retries"`
		MaxRetryDelay   string            `json:"max_retry_delay"`
		MaxQueueSize    int               `json:"max_queue_size"`
		StateTimeout    string            `json:"state_timeout"`
		IdleTimeout     string            `json:"idle_timeout"`
	} `json:"s2s"`
	PubSub struct {
		Hosts                  []string          `json:"hosts"`
		AccessCreateNode       string            `json:"access_createnode"`
		IgnorePEPFromOffline   bool              `json:"ignore_pep_from_offline"`
		LastItemCache          bool              `json:"last_item_cache"`
		MaxItemsNode           int               `json:"max_items_node"`
		PEPMapping             map[string]string `json:"pep_mapping"`
		Plugins                []string          `json:"plugins"`
		NodeTree               string            `json:"nodetree"`
		CompatSubscriptionTypo bool              `json:"compat_subscription_typo"`
	} `json:"pubsub"`
	Hosts     []string `json:"hosts"`
	DebugMode bool     `json:"debug_mode"`
	AppName   string   `json:"app_name"`
	AppPort   int      `json:"app_port"`
}

var config Config
var initialized = false

// 填充未配置字段的缺省值
func fillDefaults(c *Config) {
	if c.S2S.Port == 0 {
		c.S2S.Port = 5269
	}
	if len(c.S2S.AddressFamilies) == 0 {
		c.S2S.AddressFamilies = []string{"ipv4", "ipv6"}
	}
	if c.S2S.ConnectTimeout == "" {
		c.S2S.ConnectTimeout = "10s"
	}
	if c.S2S.SendTimeout == "" {
		c.S2S.SendTimeout = "15s"
	}
	if c.S2S.DNSTimeout == "" {
		c.S2S.DNSTimeout = "10s"
	}
	if c.S2S.DNSRetries == 0 {
		c.S2S.DNSRetries = 2
	}
	if c.S2S.MaxRetryDelay == "" {
		c.S2S.MaxRetryDelay = "300s"
	}
	if c.S2S.StateTimeout == "" {
		c.S2S.StateTimeout = "30s"
	}
	if c.S2S.IdleTimeout == "" {
		c.S2S.IdleTimeout = "600s"
	}
	if c.S2S.MaxQueueSize == 0 {
		c.S2S.MaxQueueSize = 10000
	}
	if c.PubSub.MaxItemsNode == 0 {
		c.PubSub.MaxItemsNode = 10
	}
	if c.PubSub.AccessCreateNode == "" {
		c.PubSub.AccessCreateNode = "all"
	}
	if len(c.PubSub.Plugins) == 0 {
		c.PubSub.Plugins = []string{"flat", "pep"}
	}
	if c.PubSub.NodeTree == "" {
		c.PubSub.NodeTree = "tree"
	}
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		writer, _ := os.OpenFile("config.json", os.O_RDONLY|os.O_CREATE, 0777)
		fillDefaults(&config)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	fillDefaults(&config)
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
