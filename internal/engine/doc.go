// Package engine содержит построитель графа операций.
//
// Включает:
//   - graph.go    — Graph: CreateStep/AddStep/AddDependency, ресурсы графа
//   - dag.go      — построение и обход DAG (готовые к выполнению и к откату шаги)
//   - parser.go   — декларативный GraphSpec из JSON
//   - template.go — рендеринг аргументов действий ({{ .Vars.x }})
//
// Контроллер строит граф цепочками "add steps" хелперов, каждый из
// которых возвращает ID своего последнего шага:
//
//	g := engine.NewGraph("create volume")
//	create, _ := g.CreateStep("create device", engine.Root, createAction, &deleteAction)
//	attach, _ := g.CreateStep("attach device", create, attachAction, &detachAction)
//
// Построенный граф передаётся в orchestrator.Submit.
package engine
