package protocol

// PushAuthentication describes how the dispatcher authenticates to the
// callback endpoint.
type PushAuthentication struct {
	Schemes     []string `json:"schemes,omitempty"`
	Credentials string   `json:"credentials,omitempty"`
}

// PushNotificationConfig registers a webhook for one task's status
// updates. A task may carry any number of configs, each keyed by ID.
type PushNotificationConfig struct {
	ID             string              `json:"id"`
	TaskID         string              `json:"task_id"`
	URL            string              `json:"url"`
	Token          string              `json:"token,omitempty"`
	Authentication *PushAuthentication `json:"authentication,omitempty"`
}
