package config

type WorkerKeyStruct struct {
	PersistAnswersQueue    string
	PersistStatisticsQueue string
	PendingResultsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:    "persist_answers_queue",
	PersistStatisticsQueue: "persist_statistics_queue",
	PendingResultsQueue:    "pending_results_queue",
}
