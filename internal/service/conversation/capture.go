package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
)

// Frame is one captured image.
type Frame struct {
	Data        []byte
	ContentType string
}

// MediaCapturer 获取拍摄设备。设备不可用时返回 DeviceUnavailable。
type MediaCapturer interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an acquired device. Stop must be called exactly once.
type CaptureStream interface {
	Snapshot(ctx context.Context) (Frame, error)
	Stop()
}

// PhotoStore keeps captured photos addressable by URI.
type PhotoStore interface {
	Put(data []byte, contentType string, kind media.Kind) (media.Ref, error)
	Release(ref media.Ref)
}

// StaticCapture 把已上传的图片包装成 MediaCapturer，Stop 时调用 release。
type StaticCapture struct {
	Frame   Frame
	Release func()
}

// Acquire returns a stream over the uploaded frame.
func (c StaticCapture) Acquire(context.Context) (CaptureStream, error) {
	if len(c.Frame.Data) == 0 {
		if c.Release != nil {
			c.Release()
		}
		return nil, gateway.NewError(gateway.DeviceUnavailable, "upload", "capture", errors.New("empty photo"))
	}
	return &staticStream{frame: c.Frame, release: c.Release}, nil
}

type staticStream struct {
	frame   Frame
	release func()
}

func (s *staticStream) Snapshot(context.Context) (Frame, error) {
	return s.frame, nil
}

func (s *staticStream) Stop() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// capture acquires the device, takes one frame and attaches it to the
// pending user turn. The stream is stopped on every path.
func (s *Service) capture(ctx context.Context, sessionID string, capturer MediaCapturer) (media.Ref, error) {
	if s.photos == nil {
		return media.Ref{}, gateway.NewError(gateway.DeviceUnavailable, "", "capture", errors.New("no photo store configured"))
	}

	stream, err := capturer.Acquire(ctx)
	if err != nil {
		return media.Ref{}, fmt.Errorf("acquire capture device: %w", err)
	}
	defer stream.Stop()

	frame, err := stream.Snapshot(ctx)
	if err != nil {
		return media.Ref{}, fmt.Errorf("capture snapshot: %w", err)
	}
	if len(frame.Data) == 0 {
		return media.Ref{}, gateway.NewError(gateway.DeviceUnavailable, "", "capture", errors.New("empty frame"))
	}
	if frame.ContentType == "" {
		frame.ContentType = "image/jpeg"
	}

	ref, err := s.photos.Put(frame.Data, frame.ContentType, media.Image)
	if err != nil {
		return media.Ref{}, fmt.Errorf("store photo: %w", err)
	}

	attached, err := s.sessions.AttachMediaToLastPendingUserTurn(ctx, sessionID, ref)
	if err != nil || !attached {
		s.photos.Release(ref)
		if err == nil {
			err = errors.New("no pending user turn")
		}
		return media.Ref{}, fmt.Errorf("attach photo: %w", err)
	}
	return ref, nil
}
