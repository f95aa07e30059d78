// Package celery sends tasks to Celery workers.
//
// A Client keeps a pool of broker connections and publishes Celery protocol
// v2 messages over AMQP (RabbitMQ) or Redis:
//
//	cfg := config.Default()
//	client, err := celery.NewClient(ctx, &cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	args, _ := message.ArgsOf(2, 3)
//	taskID, err := client.Send(ctx, "tasks.add", args, nil, celery.WithCountdown(time.Minute))
//
// Tasks without an explicit destination are routed by cfg.TaskRoutes, and
// WithInterceptors adds hooks around every publish.
//
// The client only produces messages. Consuming tasks and fetching results
// are left to Celery itself.
package celery
