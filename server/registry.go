package server

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Resend names extra routing keys to attach to an action before commit.
type Resend struct {
	NodeIds  []string
	Clients  []string
	Users    []string
	Channels []string
}

// TypeHandler holds the callbacks for one action type.
type TypeHandler struct {
	// Access decides whether the creator may use this action.
	// Required for every registered type.
	Access func(ctx Context, action Action, meta *Meta) (bool, error)
	// Process runs the action's business logic after the action was
	// committed and access passed.
	Process func(ctx Context, action Action, meta *Meta) error
	// Resend adds routing keys before the action is committed, whatever
	// the action's origin. It runs inside the commit path and must not
	// add new actions.
	Resend func(ctx Context, action Action, meta *Meta) (Resend, error)
}

// FilterFunc is a per-subscriber predicate over committed actions.
// A nil filter passes everything.
type FilterFunc func(ctx Context, action Action, meta *Meta) bool

// ChannelHandler holds the callbacks for one channel pattern.
type ChannelHandler struct {
	// Access decides whether the creator may subscribe. Required.
	Access func(ctx Context, params map[string]string, action Action, meta *Meta) (bool, error)
	// Filter builds the per-subscriber action filter. Optional,
	// nil means every channel action is sent.
	Filter func(ctx Context, params map[string]string, action Action, meta *Meta) (FilterFunc, error)
	// Init sends the channel's initial state to the new subscriber.
	// If it fails the subscription is rolled back.
	Init func(ctx Context, params map[string]string, action Action, meta *Meta) error
}

// channelPattern matches parametrized templates like "user/:id".
type channelPattern struct {
	source   string
	segments []string
}

func parseChannelPattern(pattern string) *channelPattern {
	return &channelPattern{
		source:   pattern,
		segments: strings.Split(pattern, "/"),
	}
}

func (self *channelPattern) Match(channel string) (map[string]string, bool) {
	parts := strings.Split(channel, "/")
	if len(parts) != len(self.segments) {
		return nil, false
	}
	params := map[string]string{}
	for i, segment := range self.segments {
		if strings.HasPrefix(segment, ":") {
			params[segment[1:]] = parts[i]
		} else if segment != parts[i] {
			return nil, false
		}
	}
	return params, true
}

type channelDefinition struct {
	pattern *channelPattern
	regexp  *regexp.Regexp
	handler ChannelHandler
}

func (self *channelDefinition) match(channel string) (map[string]string, bool) {
	if self.pattern != nil {
		return self.pattern.Match(channel)
	}
	match := self.regexp.FindStringSubmatch(channel)
	if match == nil {
		return nil, false
	}
	params := map[string]string{}
	for i, name := range self.regexp.SubexpNames() {
		if i != 0 && name != "" {
			params[name] = match[i]
		}
	}
	return params, true
}

// registry maps action types and channel patterns to handlers.
// Registration happens at startup, duplicate registration is a
// configuration error.
type registry struct {
	mutex        sync.Mutex
	types        map[string]*TypeHandler
	otherType    *TypeHandler
	channels     []*channelDefinition
	otherChannel *ChannelHandler
}

func newRegistry() *registry {
	return &registry{
		types: map[string]*TypeHandler{},
	}
}

func (self *registry) registerType(name string, handler TypeHandler) {
	if handler.Access == nil {
		panic(fmt.Errorf("action type %s must have an access callback", name))
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.types[name]; ok {
		panic(fmt.Errorf("action type %s was already defined", name))
	}
	self.types[name] = &handler
}

func (self *registry) registerOtherType(handler TypeHandler) {
	if handler.Access == nil {
		panic(fmt.Errorf("the catch-all type must have an access callback"))
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.otherType != nil {
		panic(fmt.Errorf("the catch-all type was already defined"))
	}
	self.otherType = &handler
}

func (self *registry) registerChannel(pattern string, handler ChannelHandler) {
	if handler.Access == nil {
		panic(fmt.Errorf("channel %s must have an access callback", pattern))
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, definition := range self.channels {
		if definition.pattern != nil && definition.pattern.source == pattern {
			panic(fmt.Errorf("channel %s was already defined", pattern))
		}
	}
	self.channels = append(self.channels, &channelDefinition{
		pattern: parseChannelPattern(pattern),
		handler: handler,
	})
}

func (self *registry) registerChannelRegexp(pattern *regexp.Regexp, handler ChannelHandler) {
	if handler.Access == nil {
		panic(fmt.Errorf("channel %s must have an access callback", pattern))
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.channels = append(self.channels, &channelDefinition{
		regexp:  pattern,
		handler: handler,
	})
}

func (self *registry) registerOtherChannel(handler ChannelHandler) {
	if handler.Access == nil {
		panic(fmt.Errorf("the catch-all channel must have an access callback"))
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.otherChannel != nil {
		panic(fmt.Errorf("the catch-all channel was already defined"))
	}
	self.otherChannel = &handler
}

// typeHandler returns the handler for a type, falling back to the
// catch-all. Returns nil if the type is unknown.
func (self *registry) typeHandler(name string) *TypeHandler {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if handler, ok := self.types[name]; ok {
		return handler
	}
	return self.otherType
}

// channelHandler scans definitions in registration order, first match
// wins, with the catch-all as trailing fallback.
func (self *registry) channelHandler(channel string) (*ChannelHandler, map[string]string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, definition := range self.channels {
		if params, ok := definition.match(channel); ok {
			return &definition.handler, params
		}
	}
	if self.otherChannel != nil {
		return self.otherChannel, map[string]string{}
	}
	return nil, nil
}
