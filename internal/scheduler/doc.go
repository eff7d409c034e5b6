// Package scheduler архивирует завершённые графы по расписанию.
//
// Archiver раз в период (cron-выражение или дескриптор вроде "@every 1h")
// помечает архивированными графы, завершённые раньше now - retention.
// Архивированные графы не попадают в списки API, но остаются доступны по ID.
//
// Использование:
//
//	archiver, err := scheduler.New(scheduler.Config{
//	    Workflows: store.Workflows,
//	    Schedule:  "@every 1h",
//	    Retention: 24 * time.Hour,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := archiver.Start(ctx); err != nil {
//	    return err
//	}
//	defer archiver.Stop()
//
// Archiver не реализует leader election: при нескольких репликах
// архивация идемпотентна и безопасна к повторному запуску.
package scheduler
