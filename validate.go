package bridge

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	dottedNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)+$`)
	objectPathRe = regexp.MustCompile(`^(/[A-Za-z0-9_]+)+$`)
	memberNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	topicCharsRe = regexp.MustCompile(`^[A-Za-z0-9/_+#-]+$`)
	dnsNameRe    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
	ipv4Re       = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// Validate checks the whole configuration and reports every invalid
// field, joined into one error. A nil return means the config is safe
// to hand to [New].
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, msg string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(msg, args...)})
	}

	if !validBrokerHost(c.MQTT.Host) {
		fail("mqtt.broker", "%q is not a valid hostname or IPv4 address", c.MQTT.Host)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		fail("mqtt.port", "%d is outside 1-65535", c.MQTT.Port)
	}
	if a := c.MQTT.Auth; a != nil {
		if (a.Username == "") != (a.Password == "") {
			fail("mqtt.auth", "username and password must be given together")
		}
	}
	if c.BusType != SessionBus && c.BusType != SystemBus {
		fail("bus_type", "%q is not %q or %q", c.BusType, SessionBus, SystemBus)
	}

	for i, m := range c.Mappings.DBusToMQTT {
		prefix := fmt.Sprintf("mappings.dbus_to_mqtt[%d]", i)
		validateBusTarget(fail, prefix, m.Service, m.Path, m.Interface)
		if !memberNameRe.MatchString(m.Signal) {
			fail(prefix+".signal", "%q is not a valid member name", m.Signal)
		}
		if err := validPublishTopic(m.Topic); err != nil {
			fail(prefix+".topic", "%v", err)
		}
	}
	for i, m := range c.Mappings.MQTTToDBus {
		prefix := fmt.Sprintf("mappings.mqtt_to_dbus[%d]", i)
		validateBusTarget(fail, prefix, m.Service, m.Path, m.Interface)
		if !memberNameRe.MatchString(m.Method) {
			fail(prefix+".method", "%q is not a valid member name", m.Method)
		}
		if err := validSubscribeTopic(m.Topic); err != nil {
			fail(prefix+".topic", "%v", err)
		}
	}

	return errors.Join(errs...)
}

func validateBusTarget(fail func(field, msg string, args ...any), prefix, service, path, iface string) {
	if !dottedNameRe.MatchString(service) {
		fail(prefix+".service", "%q is not a valid bus name", service)
	}
	if path != "/" && !objectPathRe.MatchString(path) {
		fail(prefix+".path", "%q is not a valid object path", path)
	}
	if !dottedNameRe.MatchString(iface) {
		fail(prefix+".interface", "%q is not a valid interface name", iface)
	}
}

// validPublishTopic enforces the rules for outbound topics: no
// wildcards, no leading $, only the permitted character set.
func validPublishTopic(topic string) error {
	if topic == "" {
		return errors.New("topic is empty")
	}
	if topic[0] == '$' {
		return errors.New("topic must not start with $")
	}
	if strings.ContainsAny(topic, "+#") {
		return errors.New("publish topic must not contain wildcards")
	}
	if !topicCharsRe.MatchString(topic) {
		return fmt.Errorf("topic %q contains invalid characters", topic)
	}
	return nil
}

// validSubscribeTopic enforces the rules for inbound topics: + is
// allowed at any segment, # only as the final segment, either after a
// / or as the whole topic.
func validSubscribeTopic(topic string) error {
	if topic == "" {
		return errors.New("topic is empty")
	}
	if topic[0] == '$' {
		return errors.New("topic must not start with $")
	}
	if i := strings.IndexByte(topic, '#'); i >= 0 {
		if i != len(topic)-1 {
			return errors.New("# wildcard must be the last character")
		}
		if len(topic) > 1 && topic[len(topic)-2] != '/' {
			return errors.New("# wildcard must occupy a whole segment")
		}
	}
	if !topicCharsRe.MatchString(topic) {
		return fmt.Errorf("topic %q contains invalid characters", topic)
	}
	return nil
}

func validBrokerHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if host == "localhost" {
		return true
	}
	if ipv4Re.MatchString(host) {
		for _, octet := range strings.Split(host, ".") {
			n, err := strconv.Atoi(octet)
			if err != nil || n > 255 {
				return false
			}
		}
		return true
	}
	return dnsNameRe.MatchString(host)
}
