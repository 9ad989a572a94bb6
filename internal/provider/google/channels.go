// Package google manages Google Calendar push channels.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// DefaultCalendarID is the calendar watched for each account.
	DefaultCalendarID = "primary"

	channelType = "web_hook"
)

// Config holds the settings of the channel client.
type Config struct {
	CalendarID        string
	Endpoint          string // overrides the API base URL, for tests
	ChannelTTL        time.Duration
	RequestsPerSecond float64
	Timeout           time.Duration
}

// WatchRequest describes a new channel.
type WatchRequest struct {
	ChannelID  string
	WebhookURL string
	Token      string
}

// Channel is the channel the provider confirmed.
type Channel struct {
	ID         string
	ResourceID string
	Expiry     time.Time
}

// ChannelClient opens and closes events.watch channels.
type ChannelClient struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewChannelClient creates a new channel client.
func NewChannelClient(config Config) *ChannelClient {
	if config.CalendarID == "" {
		config.CalendarID = DefaultCalendarID
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &ChannelClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 10),
	}
}

// Watch opens a push channel on the configured calendar.
func (c *ChannelClient) Watch(ctx context.Context, accessToken string, req WatchRequest) (*Channel, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    channelType,
		Address: req.WebhookURL,
		Token:   req.Token,
	}
	if c.config.ChannelTTL > 0 {
		ch.Params = map[string]string{
			"ttl": strconv.FormatInt(int64(c.config.ChannelTTL/time.Second), 10),
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := svc.Events.Watch(c.config.CalendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("watching calendar %s: %w", c.config.CalendarID, err)
	}
	if resp.ResourceId == "" {
		return nil, fmt.Errorf("watching calendar %s: no resource id in response", c.config.CalendarID)
	}

	channel := &Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
	}
	if channel.ID == "" {
		channel.ID = req.ChannelID
	}
	if resp.Expiration > 0 {
		channel.Expiry = time.UnixMilli(resp.Expiration).UTC()
	}
	return channel, nil
}

// Stop closes a channel. A channel the provider no longer knows is not an error.
func (c *ChannelClient) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("stopping channel %s: %w", channelID, err)
	}
	return nil
}

func (c *ChannelClient) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.config.Endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// IsNotFound reports whether err is a Google API 404 or 410.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// IsUnauthorized reports whether err is a Google API 401 or 403.
func IsUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	return false
}
