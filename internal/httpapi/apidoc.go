package httpapi

//go:generate swag init --generalInfo apidoc.go --output ../../docs/api --dir .,../../api,../beckn --parseInternal --generatedTime=false

// @title           bapd API
// @version         0.0
// @description     bapd relays asynchronous protocol callbacks to live browser sessions and issues credentials on confirmation.
// @BasePath        /api
// @schemes         https http
// @accept          json
// @produce         json
// @tag.name        action
// @tag.description Outbound protocol actions forwarded to the gateway or provider.
// @tag.name        callback
// @tag.description Asynchronous on_* callbacks posted by the counterparty.
// @tag.name        session
// @tag.description Live websocket sessions.
// @tag.name        system
// @tag.description Health and credential retrieval.
