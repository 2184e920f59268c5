package main

import (
	"fmt"
	"log"
	"os/exec"

	"github.com/hashicorp/mdns"
)

const serviceType = "_aiy_cwc._tcp"
const serviceDescription = "CWC Server"

// Publisher advertises the server on the local network. Modeled as an
// interface (spec.md §4.6, §9) so the default no-advertisement path and
// tests never need a real mDNS stack.
type Publisher interface {
	Start(name string, port int) error
	Stop()
}

// noopPublisher is used when --mdns_name is empty.
type noopPublisher struct{}

func (noopPublisher) Start(string, int) error { return nil }
func (noopPublisher) Stop()                   {}

// execPublisher shells out to avahi-publish-service, the exact command
// line the original's publish_service/unpublish_service pair uses
// (server.py). Kept as a second implementation alongside nativePublisher
// because it's the one that matches what a Linux deployment actually
// runs, and because forking a long-lived helper process is itself a
// scoped resource worth modeling explicitly (spec.md §9).
type execPublisher struct {
	cmd *exec.Cmd
}

func (p *execPublisher) Start(name string, port int) error {
	cmd := exec.Command("avahi-publish-service", name, serviceType, fmt.Sprintf("%d", port), serviceDescription)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("publish: start avahi-publish-service: %w", err)
	}
	p.cmd = cmd
	log.Printf("publish: advertising %q on %s (pid=%d)", name, serviceType, cmd.Process.Pid)
	return nil
}

func (p *execPublisher) Stop() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		log.Printf("publish: stop avahi-publish-service: %v", err)
	}
	p.cmd.Wait()
}

// nativePublisher advertises via a pure-Go mDNS responder instead of
// shelling out, for deployments without an avahi daemon available.
type nativePublisher struct {
	server *mdns.Server
}

func (p *nativePublisher) Start(name string, port int) error {
	service, err := mdns.NewMDNSService(name, serviceType, "", "", port, nil, []string{serviceDescription})
	if err != nil {
		return fmt.Errorf("publish: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("publish: start mdns server: %w", err)
	}
	p.server = server
	log.Printf("publish: advertising %q on %s via native mdns", name, serviceType)
	return nil
}

func (p *nativePublisher) Stop() {
	if p.server == nil {
		return
	}
	if err := p.server.Shutdown(); err != nil {
		log.Printf("publish: mdns shutdown: %v", err)
	}
}
