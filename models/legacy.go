package models

// LegacyGameInfo is the heartbeat body used by older game server SDKs.
//
// It is flat and PascalCase. The agent converts it to SessionHostHeartbeatInfo
// on the way in and back to LegacyGameInfo on the way out, so the state
// machine only ever sees the current shape.
type LegacyGameInfo struct {
	TitleID                 string            `json:"TitleId,omitempty"`
	CurrentGameState        SessionHostStatus `json:"CurrentGameState"`
	CurrentGameHealth       string            `json:"CurrentGameHealth,omitempty"`
	CurrentPlayers          []string          `json:"CurrentPlayers,omitempty"`
	NextHeartbeatIntervalMs int               `json:"NextHeartbeatIntervalMs,omitempty"`
	Operation               Operation         `json:"Operation,omitempty"`
	SessionID               string            `json:"SessionId,omitempty"`
	SessionCookie           string            `json:"SessionCookie,omitempty"`
	InitialPlayers          []string          `json:"InitialPlayers,omitempty"`
}

// ToSessionHostHeartbeatInfo converts a legacy body to the current shape.
// Fields the legacy shape lacks stay at their zero value.
func (l *LegacyGameInfo) ToSessionHostHeartbeatInfo() *SessionHostHeartbeatInfo {
	info := &SessionHostHeartbeatInfo{
		CurrentGameState:        l.CurrentGameState,
		CurrentGameHealth:       l.CurrentGameHealth,
		NextHeartbeatIntervalMs: l.NextHeartbeatIntervalMs,
		Operation:               l.Operation,
	}

	if len(l.CurrentPlayers) > 0 {
		info.CurrentPlayers = make([]ConnectedPlayer, 0, len(l.CurrentPlayers))
		for _, id := range l.CurrentPlayers {
			info.CurrentPlayers = append(info.CurrentPlayers, ConnectedPlayer{PlayerID: id})
		}
	}

	if l.SessionID != "" || l.SessionCookie != "" || len(l.InitialPlayers) > 0 {
		info.SessionConfig = &SessionConfig{
			SessionID:      l.SessionID,
			SessionCookie:  l.SessionCookie,
			InitialPlayers: append([]string(nil), l.InitialPlayers...),
		}
	}

	return info
}

// LegacyGameInfoFromSessionHostHeartbeatInfo converts a current-shape body to
// the legacy shape, stamping the title id taken from the legacy route.
func LegacyGameInfoFromSessionHostHeartbeatInfo(info *SessionHostHeartbeatInfo, titleID string) *LegacyGameInfo {
	legacy := &LegacyGameInfo{
		TitleID:                 titleID,
		CurrentGameState:        info.CurrentGameState,
		CurrentGameHealth:       info.CurrentGameHealth,
		NextHeartbeatIntervalMs: info.NextHeartbeatIntervalMs,
		Operation:               info.Operation,
	}

	if len(info.CurrentPlayers) > 0 {
		legacy.CurrentPlayers = make([]string, 0, len(info.CurrentPlayers))
		for _, p := range info.CurrentPlayers {
			legacy.CurrentPlayers = append(legacy.CurrentPlayers, p.PlayerID)
		}
	}

	if info.SessionConfig != nil {
		legacy.SessionID = info.SessionConfig.SessionID
		legacy.SessionCookie = info.SessionConfig.SessionCookie
		legacy.InitialPlayers = append([]string(nil), info.SessionConfig.InitialPlayers...)
	}

	return legacy
}
