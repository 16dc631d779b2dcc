package services

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"

	"telemed/internal/config"
	"telemed/pkg/apperr"
)

// 信令事件名
const (
	SignalVideoOffer   = "video-offer"
	SignalVideoAnswer  = "video-answer"
	SignalICECandidate = "ice-candidate"
)

// SignalMessage 入站信令事件；sender_id 由服务端按连接身份改写
type SignalMessage struct {
	Room      string                     `json:"room"`
	SenderID  string                     `json:"sender_id"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// SignalingService 校验 WebRTC 信令负载并提供 ICE 服务器配置
//
// 服务端不终结媒体，只做透传前的结构校验。
type SignalingService struct {
	iceServers []webrtc.ICEServer
}

// NewSignalingService 由配置构建 ICE 服务器列表
func NewSignalingService(cfg config.WebRTCConfig) *SignalingService {
	servers := make([]webrtc.ICEServer, 0, 1+len(cfg.TURNServers))
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), cfg.STUNServers...)})
	}
	for _, t := range cfg.TURNServers {
		if t.URL == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{t.URL},
			Username:       t.Username,
			Credential:     t.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return &SignalingService{iceServers: servers}
}

// ICEServers 返回客户端建立 PeerConnection 所需的 ICE 配置
func (s *SignalingService) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(s.iceServers))
	for i, srv := range s.iceServers {
		out[i] = srv
		out[i].URLs = append([]string(nil), srv.URLs...)
	}
	return out
}

// Decode 解析并校验信令事件
func (s *SignalingService) Decode(event string, raw json.RawMessage, senderID string) (*SignalMessage, error) {
	var msg SignalMessage
	if len(raw) == 0 {
		return nil, apperr.Validation("signal payload is required")
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed signal payload", err)
	}
	msg.Room = strings.TrimSpace(msg.Room)
	if msg.Room == "" {
		return nil, apperr.Validation("room is required")
	}
	msg.SenderID = senderID

	switch event {
	case SignalVideoOffer:
		if err := checkDescription(msg.Offer, webrtc.SDPTypeOffer); err != nil {
			return nil, err
		}
		msg.Answer, msg.Candidate = nil, nil
	case SignalVideoAnswer:
		if err := checkDescription(msg.Answer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer); err != nil {
			return nil, err
		}
		msg.Offer, msg.Candidate = nil, nil
	case SignalICECandidate:
		if msg.Candidate == nil {
			return nil, apperr.Validation("candidate is required")
		}
		// 空 candidate 表示收集结束，合法
		msg.Offer, msg.Answer = nil, nil
	default:
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported signal event %q", event)
	}
	return &msg, nil
}

func checkDescription(sd *webrtc.SessionDescription, allowed ...webrtc.SDPType) error {
	if sd == nil {
		return apperr.Validation("session description is required")
	}
	if strings.TrimSpace(sd.SDP) == "" {
		return apperr.Validation("session description sdp is empty")
	}
	for _, t := range allowed {
		if sd.Type == t {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeValidation, "unexpected session description type %q", sd.Type.String())
}
