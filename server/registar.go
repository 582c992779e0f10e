package server

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/linkingthing/cement/log"

	"github.com/linkingthing/clxone-homedhcp/config"
)

type consulAgent interface {
	ServiceRegister(*consulapi.AgentServiceRegistration) error
	ServiceDeregister(string) error
}

// Registrar registers one service instance to the local consul agent.
type Registrar struct {
	agent        consulAgent
	registration *consulapi.AgentServiceRegistration
}

func NewRegistrar(agent consulAgent, registration *consulapi.AgentServiceRegistration) *Registrar {
	return &Registrar{
		agent:        agent,
		registration: registration,
	}
}

func (r *Registrar) Register() error {
	if err := r.agent.ServiceRegister(r.registration); err != nil {
		return fmt.Errorf("register %s to consul failed: %s", r.registration.ID, err.Error())
	}

	log.Infof("register %s to consul with address %s:%d",
		r.registration.ID, r.registration.Address, r.registration.Port)
	return nil
}

func (r *Registrar) Deregister() {
	if err := r.agent.ServiceDeregister(r.registration.ID); err != nil {
		log.Warnf("deregister %s from consul failed: %s", r.registration.ID, err.Error())
	} else {
		log.Infof("deregister %s from consul", r.registration.ID)
	}
}

func registerServices(conf *config.HomeDHCPConfig) ([]*Registrar, error) {
	client, err := consulapi.NewClient(consulapi.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("new consul client failed: %s", err.Error())
	}

	return registerWithAgent(client.Agent(), conf)
}

func registerWithAgent(agent consulAgent, conf *config.HomeDHCPConfig) ([]*Registrar, error) {
	registrars := []*Registrar{
		NewRegistrar(agent, apiRegistration(conf)),
		NewRegistrar(agent, grpcRegistration(conf)),
	}

	for i, registrar := range registrars {
		if err := registrar.Register(); err != nil {
			for _, registered := range registrars[:i] {
				registered.Deregister()
			}
			return nil, err
		}
	}

	return registrars, nil
}

func apiRegistration(conf *config.HomeDHCPConfig) *consulapi.AgentServiceRegistration {
	check := serviceCheck(conf.Consul.Check)
	check.HTTP = fmt.Sprintf("http://%s:%d%s", conf.Server.IP, conf.Server.Port, HealthPath)
	return &consulapi.AgentServiceRegistration{
		ID:      conf.Consul.Name + "-api-" + conf.Server.IP,
		Name:    conf.Consul.Name + "-api",
		Tags:    conf.Consul.Tags,
		Address: conf.Server.IP,
		Port:    conf.Server.Port,
		Check:   check,
	}
}

func grpcRegistration(conf *config.HomeDHCPConfig) *consulapi.AgentServiceRegistration {
	check := serviceCheck(conf.Consul.Check)
	check.GRPC = fmt.Sprintf("%s:%d", conf.Server.IP, conf.Server.GrpcPort)
	return &consulapi.AgentServiceRegistration{
		ID:      conf.Consul.Name + "-grpc-" + conf.Server.IP,
		Name:    conf.Consul.Name + "-grpc",
		Tags:    conf.Consul.Tags,
		Address: conf.Server.IP,
		Port:    conf.Server.GrpcPort,
		Check:   check,
	}
}

func serviceCheck(conf config.CheckConf) *consulapi.AgentServiceCheck {
	return &consulapi.AgentServiceCheck{
		Interval:                       conf.Interval,
		Timeout:                        conf.Timeout,
		DeregisterCriticalServiceAfter: conf.DeregisterCriticalServiceAfter,
		TLSSkipVerify:                  conf.TLSSkipVerify,
	}
}
