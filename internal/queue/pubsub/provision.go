package pubsub

import (
	"context"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Resources names the topics and subscription a deployment needs. Short IDs
// are qualified with ProjectID.
type Resources struct {
	ProjectID          string
	Topics             []string
	Subscription       string
	SubscriptionTopic  string
	AckDeadlineSeconds int
}

// Provision creates the topics and the work subscription, leaving existing
// ones untouched.
func Provision(ctx context.Context, client *pubsub.Client, res Resources) error {
	for _, topic := range res.Topics {
		if topic == "" {
			continue
		}
		name := qualify(res.ProjectID, "topics", topic)
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	if res.Subscription == "" {
		return nil
	}
	sub := &pubsubpb.Subscription{
		Name:               qualify(res.ProjectID, "subscriptions", res.Subscription),
		Topic:              qualify(res.ProjectID, "topics", res.SubscriptionTopic),
		AckDeadlineSeconds: int32(res.AckDeadlineSeconds),
	}
	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %s: %w", sub.Name, err)
	}
	return nil
}

func qualify(project, kind, id string) string {
	if strings.HasPrefix(id, "projects/") {
		return id
	}
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
