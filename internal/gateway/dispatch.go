package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/retroim/buddyd/internal/model"
)

// wireError is the error half of a command reply.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toWireError maps the domain error taxonomy onto stable wire codes so
// windows can branch without parsing messages.
func toWireError(err error) *wireError {
	var connErr *model.ConnError
	var permErr *model.PermissionError
	var valErr *model.ValidationError
	var transErr *model.TransientError

	switch {
	case errors.Is(err, model.ErrNotFound):
		return &wireError{Code: "not_found", Message: err.Error()}
	case errors.Is(err, model.ErrNoSession):
		return &wireError{Code: "no_session", Message: err.Error()}
	case errors.As(err, &valErr):
		return &wireError{Code: "invalid_params", Message: valErr.Error()}
	case errors.As(err, &permErr):
		return &wireError{Code: "forbidden", Message: permErr.Error()}
	case errors.As(err, &transErr):
		return &wireError{Code: "transient", Message: transErr.Error()}
	case errors.As(err, &connErr):
		code := "connection"
		if connErr.Code != "" {
			code = connErr.Code
		}
		return &wireError{Code: code, Message: connErr.Message}
	default:
		return &wireError{Code: "internal", Message: err.Error()}
	}
}

func decode(params []byte, v interface{}) error {
	if len(params) == 0 {
		return &model.ValidationError{Field: "params", Reason: "required"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &model.ValidationError{Field: "params", Reason: err.Error()}
	}
	return nil
}

// dispatch routes one command frame to the engine.
func (s *session) dispatch(req request) (interface{}, error) {
	ctx := context.Background()
	eng := s.engine

	switch req.Command {
	case "login":
		var p struct {
			Homeserver string `json:"homeserver"`
			Username   string `json:"username"`
			Password   string `json:"password"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		userID, err := eng.Login(ctx, p.Homeserver, p.Username, p.Password)
		if err != nil {
			return nil, err
		}
		return map[string]string{"user_id": userID}, nil

	case "register":
		var p struct {
			Homeserver string `json:"homeserver"`
			Username   string `json:"username"`
			Password   string `json:"password"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		userID, err := eng.Register(ctx, p.Homeserver, p.Username, p.Password)
		if err != nil {
			return nil, err
		}
		return map[string]string{"user_id": userID}, nil

	case "restore_session":
		userID, err := eng.RestoreSession(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"user_id": userID}, nil

	case "logout":
		return nil, eng.Logout(ctx)

	case "disconnect":
		eng.Disconnect()
		return nil, nil

	case "reconnect":
		return nil, eng.Reconnect(ctx)

	case "conn_state":
		return map[string]string{"state": string(eng.ConnState()), "user_id": eng.UserID()}, nil

	case "send_message":
		var p struct {
			RoomID  string `json:"room_id"`
			Body    string `json:"body"`
			ReplyTo string `json:"reply_to,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		eventID, err := eng.SendMessage(ctx, p.RoomID, p.Body, p.ReplyTo)
		if err != nil {
			return nil, err
		}
		return map[string]string{"event_id": eventID}, nil

	case "edit_message":
		var p struct {
			RoomID  string `json:"room_id"`
			EventID string `json:"event_id"`
			Body    string `json:"body"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.EditMessage(ctx, p.RoomID, p.EventID, p.Body)

	case "delete_message":
		var p struct {
			RoomID  string `json:"room_id"`
			EventID string `json:"event_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.DeleteMessage(ctx, p.RoomID, p.EventID)

	case "send_reaction":
		var p struct {
			RoomID  string `json:"room_id"`
			EventID string `json:"event_id"`
			Key     string `json:"key"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.SendReaction(ctx, p.RoomID, p.EventID, p.Key)

	case "join_room":
		var p struct {
			Room string `json:"room"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		roomID, err := eng.JoinRoom(ctx, p.Room)
		if err != nil {
			return nil, err
		}
		return map[string]string{"room_id": roomID}, nil

	case "create_room":
		var p struct {
			Name  string `json:"name"`
			Alias string `json:"alias,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		roomID, err := eng.CreateRoom(ctx, p.Name, p.Alias)
		if err != nil {
			return nil, err
		}
		return map[string]string{"room_id": roomID}, nil

	case "create_dm":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		roomID, err := eng.CreateDMRoom(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"room_id": roomID}, nil

	case "leave_room":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.LeaveRoom(ctx, p.RoomID)

	case "accept_invite":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.AcceptInvite(ctx, p.RoomID)

	case "reject_invite":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.RejectInvite(ctx, p.RoomID)

	case "search_users":
		var p struct {
			Query string `json:"query"`
			Limit int    `json:"limit,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.SearchUsers(ctx, p.Query, p.Limit)

	case "search_spaces":
		var p struct {
			Query  string `json:"query"`
			Limit  int    `json:"limit,omitempty"`
			Server string `json:"server,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.SearchSpaces(ctx, p.Query, p.Limit, p.Server)

	case "get_messages":
		var p struct {
			RoomID string `json:"room_id"`
			From   string `json:"from,omitempty"`
			Limit  int    `json:"limit,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.GetRoomMessages(ctx, p.RoomID, p.From, p.Limit)

	case "upload_file":
		var p struct {
			RoomID   string `json:"room_id"`
			Filename string `json:"filename"`
			Data     []byte `json:"data"`
			MimeType string `json:"mime_type,omitempty"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		eventID, err := eng.UploadFile(ctx, p.RoomID, p.Filename, p.Data, p.MimeType)
		if err != nil {
			return nil, err
		}
		return map[string]string{"event_id": eventID}, nil

	case "fetch_media":
		var p struct {
			URI string `json:"uri"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		dataURL, err := eng.FetchMedia(ctx, p.URI)
		if err != nil {
			return nil, err
		}
		return map[string]string{"data_url": dataURL}, nil

	case "mark_read":
		var p struct {
			RoomID  string `json:"room_id"`
			EventID string `json:"event_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.MarkAsRead(ctx, p.RoomID, p.EventID)

	case "set_visible":
		var p struct {
			RoomID  string `json:"room_id"`
			Visible bool   `json:"visible"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		eng.SetRoomVisible(p.RoomID, p.Visible)
		return nil, nil

	case "set_presence":
		var p struct {
			Presence string `json:"presence"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.SetPresence(ctx, model.Presence(p.Presence))

	case "send_typing":
		var p struct {
			RoomID string `json:"room_id"`
			Typing bool   `json:"typing"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.SendTyping(ctx, p.RoomID, p.Typing)

	case "set_tag":
		var p struct {
			RoomID string `json:"room_id"`
			Tag    string `json:"tag"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.SetRoomTag(ctx, p.RoomID, p.Tag)

	case "remove_tag":
		var p struct {
			RoomID string `json:"room_id"`
			Tag    string `json:"tag"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.RemoveRoomTag(ctx, p.RoomID, p.Tag)

	case "get_user_profile":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.GetUserProfile(ctx, p.UserID)

	case "get_room_info":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.GetRoomInfo(p.RoomID)

	case "remove_buddy":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, eng.RemoveBuddy(ctx, p.UserID)

	case "buddies":
		return eng.Buddies(), nil

	case "rooms":
		return eng.Rooms(), nil

	case "invites":
		return eng.Invites(), nil

	case "spaces":
		return eng.Spaces(), nil

	case "messages":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.Messages(p.RoomID), nil

	case "reactions":
		var p struct {
			RoomID  string `json:"room_id"`
			EventID string `json:"event_id"`
		}
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return eng.RoomReactions(p.RoomID, p.EventID), nil

	case "verify_accept":
		return nil, eng.AcceptVerification(ctx)

	case "verify_confirm":
		return nil, eng.ConfirmVerification(ctx)

	case "verify_cancel":
		var p struct {
			Reason string `json:"reason,omitempty"`
		}
		if len(req.Params) > 0 {
			if err := decode(req.Params, &p); err != nil {
				return nil, err
			}
		}
		return nil, eng.CancelVerification(ctx, p.Reason)

	default:
		return nil, &model.ValidationError{Field: "command", Reason: fmt.Sprintf("unknown command %q", req.Command)}
	}
}
