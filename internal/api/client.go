package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the ChatSync service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with the given request fields and returns the
// response fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodGetStatus, nil)
}

func (c *Client) OpenConversation(ctx context.Context, peerID, conversationID string) (map[string]any, error) {
	return c.Call(ctx, MethodOpenConversation, map[string]any{"peer_id": peerID, "conversation_id": conversationID})
}

func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	_, err := c.Call(ctx, MethodCloseConversation, map[string]any{"conversation_id": conversationID})
	return err
}

func (c *Client) ListMessages(ctx context.Context, conversationID, query string) (map[string]any, error) {
	return c.Call(ctx, MethodListMessages, map[string]any{"conversation_id": conversationID, "query": query})
}

func (c *Client) LoadMore(ctx context.Context, conversationID string) (map[string]any, error) {
	return c.Call(ctx, MethodLoadMore, map[string]any{"conversation_id": conversationID})
}

func (c *Client) Refresh(ctx context.Context, conversationID string) (map[string]any, error) {
	return c.Call(ctx, MethodRefresh, map[string]any{"conversation_id": conversationID})
}

func (c *Client) SendText(ctx context.Context, conversationID, text string) (map[string]any, error) {
	return c.Call(ctx, MethodSendText, map[string]any{"conversation_id": conversationID, "text": text})
}

func (c *Client) SendMedia(ctx context.Context, conversationID, path string) (map[string]any, error) {
	return c.Call(ctx, MethodSendMedia, map[string]any{"conversation_id": conversationID, "path": path})
}

func (c *Client) Retry(ctx context.Context, conversationID, messageID string) (map[string]any, error) {
	return c.Call(ctx, MethodRetry, map[string]any{"conversation_id": conversationID, "message_id": messageID})
}

func (c *Client) Delete(ctx context.Context, conversationID string, messageIDs []string, forEveryone bool) (map[string]any, error) {
	ids := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id
	}
	return c.Call(ctx, MethodDelete, map[string]any{
		"conversation_id": conversationID,
		"message_ids":     ids,
		"for_everyone":    forEveryone,
	})
}

func (c *Client) Download(ctx context.Context, conversationID, messageID string) (string, error) {
	resp, err := c.Call(ctx, MethodDownload, map[string]any{"conversation_id": conversationID, "message_id": messageID})
	if err != nil {
		return "", err
	}
	path, _ := resp["path"].(string)
	return path, nil
}

func (c *Client) InputChanged(ctx context.Context, conversationID, text string) (map[string]any, error) {
	return c.Call(ctx, MethodInputChanged, map[string]any{"conversation_id": conversationID, "text": text})
}

func (c *Client) Background(ctx context.Context, background bool) error {
	_, err := c.Call(ctx, MethodBackground, map[string]any{"background": background})
	return err
}

func (c *Client) Reconnect(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodReconnect, nil)
}

// WatchEvents streams events whose kind starts with prefix to fn until the
// context ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/"+MethodWatchEvents)
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
