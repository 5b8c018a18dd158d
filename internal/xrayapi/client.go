// Package xrayapi talks to a local Xray instance over its gRPC handler API
// to add and remove VLESS clients without restarting the process.
package xrayapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultTimeout = 3 * time.Second

// Client wraps the Xray HandlerService.
type Client struct {
	conn    *grpc.ClientConn
	handler command.HandlerServiceClient
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the Xray gRPC API at addr (plaintext, loopback only).
func Dial(addr string, logger *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial xray api %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		handler: command.NewHandlerServiceClient(conn),
		timeout: defaultTimeout,
		logger:  logger.With("component", "xray-api"),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// InboundUsers returns the current email->uuid mapping of a managed inbound.
func (c *Client) InboundUsers(ctx context.Context, tag string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.handler.GetInboundUsers(ctx, &command.GetInboundUserRequest{Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("get inbound users %s: %w", tag, err)
	}

	users := make(map[string]string, len(resp.Users))
	for _, u := range resp.Users {
		if u.Account == nil {
			continue
		}
		inst, err := u.Account.GetInstance()
		if err != nil {
			continue
		}
		account, ok := inst.(*vless.Account)
		if !ok {
			continue
		}
		users[u.Email] = account.Id
	}
	return users, nil
}

// AddUser adds one VLESS client to the inbound. "already exists" is treated
// as success.
func (c *Client) AddUser(ctx context.Context, tag, email, uuid string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: tag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{
			User: &protocol.User{
				Email:   email,
				Account: serial.ToTypedMessage(&vless.Account{Id: uuid}),
			},
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("add user %s to %s: %w", email, tag, err)
	}
	return nil
}

// RemoveUser removes one client by email. "not found" is treated as success.
func (c *Client) RemoveUser(ctx context.Context, tag, email string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{Email: email}),
	})
	if err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("remove user %s from %s: %w", email, tag, err)
	}
	return nil
}

// SyncInbound converges the inbound's live client set to desired
// (email -> uuid). A client whose uuid changed is removed and re-added.
func (c *Client) SyncInbound(ctx context.Context, tag string, desired map[string]string) error {
	current, err := c.InboundUsers(ctx, tag)
	if err != nil {
		return err
	}

	adds, removes := DiffUsers(current, desired)
	for _, email := range removes {
		if err := c.RemoveUser(ctx, tag, email); err != nil {
			return err
		}
	}
	for _, email := range adds {
		if err := c.AddUser(ctx, tag, email, desired[email]); err != nil {
			return err
		}
	}
	if len(adds) > 0 || len(removes) > 0 {
		c.logger.Info("inbound synced", "tag", tag, "added", len(adds), "removed", len(removes))
	}
	return nil
}

// DiffUsers computes the operations that converge current to desired. An
// email present on both sides with a different uuid appears in both lists
// (remove first, then add).
func DiffUsers(current, desired map[string]string) (adds, removes []string) {
	for email, uuid := range desired {
		have, ok := current[email]
		if !ok || have != uuid {
			adds = append(adds, email)
		}
	}
	for email, uuid := range current {
		want, ok := desired[email]
		if !ok || want != uuid {
			removes = append(removes, email)
		}
	}
	sort.Strings(adds)
	sort.Strings(removes)
	return adds, removes
}
