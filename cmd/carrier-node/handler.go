package main

import (
	"github.com/opd-ai/carrier"
	"github.com/opd-ai/carrier/session"
	"github.com/sirupsen/logrus"
)

// nodeHandler logs node events and applies the CLI's automatic policies.
type nodeHandler struct {
	carrier.AbstractHandler

	name       string
	autoAccept bool
	sessions   *session.Manager
}

func newNodeHandler(name string, autoAccept bool) *nodeHandler {
	return &nodeHandler{name: name, autoAccept: autoAccept}
}

func (h *nodeHandler) OnReady(c *carrier.Carrier) {
	logrus.WithFields(logrus.Fields{
		"function": "OnReady",
		"address":  c.Address(),
	}).Info("Node ready")

	if h.name == "" {
		return
	}
	info, _ := c.SelfInfo()
	if info.Name == h.name {
		return
	}
	info.Name = h.name
	if err := c.SetSelfInfo(info); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnReady",
			"error":    err.Error(),
		}).Warn("Failed to publish profile name")
	}
}

func (h *nodeHandler) OnConnection(c *carrier.Carrier, status carrier.ConnectionStatus) {
	logrus.WithFields(logrus.Fields{
		"function": "OnConnection",
		"status":   status.String(),
	}).Info("Connection status changed")
}

func (h *nodeHandler) OnFriends(c *carrier.Carrier, friends []carrier.FriendInfo) {
	logrus.WithFields(logrus.Fields{
		"function": "OnFriends",
		"count":    len(friends),
	}).Info("Friend list loaded")
}

func (h *nodeHandler) OnFriendConnection(c *carrier.Carrier, friendID string, status carrier.ConnectionStatus) {
	logrus.WithFields(logrus.Fields{
		"function":  "OnFriendConnection",
		"friend_id": friendID,
		"status":    status.String(),
	}).Info("Friend connection changed")
}

func (h *nodeHandler) OnFriendRequest(c *carrier.Carrier, userID string, info carrier.UserInfo, hello string) {
	logrus.WithFields(logrus.Fields{
		"function": "OnFriendRequest",
		"user_id":  userID,
		"name":     info.Name,
		"hello":    hello,
	}).Info("Friend request received")

	if !h.autoAccept {
		return
	}
	if err := c.AcceptFriend(userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnFriendRequest",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Failed to accept friend request")
	}
}

func (h *nodeHandler) OnFriendAdded(c *carrier.Carrier, info carrier.FriendInfo) {
	logrus.WithFields(logrus.Fields{
		"function":  "OnFriendAdded",
		"friend_id": info.UserID,
	}).Info("Friend added")
}

func (h *nodeHandler) OnFriendMessage(c *carrier.Carrier, from string, message []byte) {
	logrus.WithFields(logrus.Fields{
		"function": "OnFriendMessage",
		"from":     from,
		"size":     len(message),
	}).Info("Message received")
}

func (h *nodeHandler) OnFriendFileRequest(c *carrier.Carrier, from, fileID, filename string, size uint64) {
	logrus.WithFields(logrus.Fields{
		"function": "OnFriendFileRequest",
		"from":     from,
		"file_id":  fileID,
		"filename": filename,
		"size":     size,
	}).Info("File offered")
}

func (h *nodeHandler) OnShutdown(c *carrier.Carrier, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "OnShutdown",
		"error":    err.Error(),
	}).Error("Node shutting down")
}

// echoSession accepts every session offer and writes back what it receives.
func (h *nodeHandler) echoSession(friendID, offer string) {
	s, err := h.sessions.NewSession(friendID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "echoSession",
			"friend_id": friendID,
			"error":     err.Error(),
		}).Warn("Failed to create session")
		return
	}
	s.OnData(func(data []byte) {
		if err := s.Write(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "echoSession",
				"friend_id": friendID,
				"error":     err.Error(),
			}).Debug("Echo failed")
		}
	})
	if _, err := s.Accept(offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "echoSession",
			"friend_id": friendID,
			"error":     err.Error(),
		}).Warn("Failed to accept session")
	}
}
