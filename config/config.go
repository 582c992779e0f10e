package config

import (
	"time"

	"github.com/linkingthing/cement/configure"
)

type HomeDHCPConfig struct {
	Path   string     `yaml:"-"`
	Server ServerConf `yaml:"server"`
	DHCP   DHCPConf   `yaml:"dhcp"`
	Kafka  KafkaConf  `yaml:"kafka"`
	Consul ConsulConf `yaml:"consul"`
}

type ServerConf struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port" default:"58086"`
	GrpcPort int    `yaml:"grpc_port" default:"58087"`
	Hostname string `yaml:"hostname"`
}

type DHCPConf struct {
	PolicyFile       string         `yaml:"policy_file" required:"true"`
	Listeners        []ListenerConf `yaml:"listeners"`
	DefaultLeaseTime time.Duration  `yaml:"default_lease_time" default:"24h"`
	OfferTimeout     time.Duration  `yaml:"offer_timeout" default:"30s"`
	DeclineTimeout   time.Duration  `yaml:"decline_timeout" default:"10m"`
	SweepInterval    time.Duration  `yaml:"sweep_interval" default:"1m"`
	ProbeServers     bool           `yaml:"probe_servers"`
	ProbeTimeout     time.Duration  `yaml:"probe_timeout" default:"3s"`
}

// ListenerConf binds one interface. Address is the interface address with
// its prefix length, e.g. 192.0.2.254/24, and names the subnet of requests
// that arrive without a relay agent.
type ListenerConf struct {
	Interface string `yaml:"interface"`
	Address   string `yaml:"address"`
}

type KafkaConf struct {
	Addrs    []string `yaml:"kafka_addrs"`
	Topic    string   `yaml:"topic" default:"homedhcp_lease_events"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

type ConsulConf struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name"`
	Tags  []string  `yaml:"tags"`
	Check CheckConf `yaml:"check"`
}

type CheckConf struct {
	Interval                       string `yaml:"interval"`
	Timeout                        string `yaml:"timeout"`
	DeregisterCriticalServiceAfter string `yaml:"deregister_critical_service_after"`
	TLSSkipVerify                  bool   `yaml:"tls_skip_verify"`
}

var gConf *HomeDHCPConfig

func LoadConfig(path string) (*HomeDHCPConfig, error) {
	var conf HomeDHCPConfig
	conf.Path = path
	if err := conf.Reload(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *HomeDHCPConfig) Reload() error {
	var newConf HomeDHCPConfig
	if err := configure.Load(&newConf, c.Path); err != nil {
		return err
	}

	newConf.Path = c.Path
	*c = newConf
	gConf = &newConf
	return nil
}

func GetConfig() *HomeDHCPConfig {
	return gConf
}
